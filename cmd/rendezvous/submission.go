package main

import (
	"context"
	"encoding/hex"
	"flag"
	"strings"

	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/submission"
)

func decodeHexList(csv string) ([][]byte, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([][]byte, 0, len(parts))
	for _, raw := range parts {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		b, err := hex.DecodeString(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "config file path")
		poolIDRaw  = fs.String("pool-id", "", "pool id")
		nullifier  = fs.String("nullifier", "", "32-byte hex nullifier")
		tokens     = fs.String("tokens", "", "comma-separated hex 32-byte match tokens")
		commits    = fs.String("commits", "", "optional: comma-separated hex commit hashes, 1:1 with -tokens")
	)
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	poolID, err := ids.Parse(*poolIDRaw)
	if err != nil {
		fail("invalid pool id: %v", err)
		return exitUserError
	}
	nullifierBytes, err := hex.DecodeString(*nullifier)
	if err != nil {
		fail("invalid nullifier: %v", err)
		return exitUserError
	}
	tokenBytes, err := decodeHexList(*tokens)
	if err != nil {
		fail("invalid tokens: %v", err)
		return exitUserError
	}
	commitBytes, err := decodeHexList(*commits)
	if err != nil {
		fail("invalid commits: %v", err)
		return exitUserError
	}

	svc, closeSvc, code := openService(*configPath)
	if svc == nil {
		return code
	}
	defer closeSvc()

	params := submission.SubmitParams{PoolID: poolID, Tokens: tokenBytes, Nullifier: nullifierBytes}
	if len(commitBytes) > 0 {
		params.Commits = commitBytes
	}
	real, err := svc.Submit(context.Background(), params)
	if err != nil {
		fail("submit: %v", err)
		return exitCodeForError(err)
	}
	printJSON(real)
	return exitOK
}

func runReveal(args []string) int {
	fs := flag.NewFlagSet("reveal", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "config file path")
		poolIDRaw  = fs.String("pool-id", "", "pool id")
		nullifier  = fs.String("nullifier", "", "32-byte hex nullifier")
		tokens     = fs.String("tokens", "", "comma-separated hex 32-byte match tokens to reveal")
	)
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	poolID, err := ids.Parse(*poolIDRaw)
	if err != nil {
		fail("invalid pool id: %v", err)
		return exitUserError
	}
	nullifierBytes, err := hex.DecodeString(*nullifier)
	if err != nil {
		fail("invalid nullifier: %v", err)
		return exitUserError
	}
	tokenBytes, err := decodeHexList(*tokens)
	if err != nil {
		fail("invalid tokens: %v", err)
		return exitUserError
	}

	svc, closeSvc, code := openService(*configPath)
	if svc == nil {
		return code
	}
	defer closeSvc()

	if err := svc.Reveal(context.Background(), submission.RevealParams{PoolID: poolID, Nullifier: nullifierBytes, Tokens: tokenBytes}); err != nil {
		fail("reveal: %v", err)
		return exitCodeForError(err)
	}
	return exitOK
}

func runMatches(args []string) int {
	fs := flag.NewFlagSet("matches", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "config file path")
		poolIDRaw  = fs.String("pool-id", "", "pool id")
		verify     = fs.Bool("verify", false, "recount preferences and report any integrity discrepancy")
	)
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	poolID, err := ids.Parse(*poolIDRaw)
	if err != nil {
		fail("invalid pool id: %v", err)
		return exitUserError
	}

	svc, closeSvc, code := openService(*configPath)
	if svc == nil {
		return code
	}
	defer closeSvc()

	ctx := context.Background()
	result, err := svc.DetectMatch(ctx, poolID)
	if err != nil {
		fail("matches: %v", err)
		return exitCodeForError(err)
	}

	if *verify {
		problems := svc.VerifyMatchIntegrity(ctx, poolID)
		printJSON(struct {
			Result   interface{} `json:"result"`
			Problems []string    `json:"integrity_problems"`
		}{result, problems})
		if len(problems) > 0 {
			return exitInfraError
		}
		return exitOK
	}

	printJSON(result)
	return exitOK
}
