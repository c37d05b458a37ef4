package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"strings"

	"github.com/auroradata-ai/rendezvous/internal/gate"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/pool"
	"github.com/auroradata-ai/rendezvous/internal/rendezvous"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

func runCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	var (
		configPath     = fs.String("config", "", "config file path")
		name           = fs.String("name", "", "pool name")
		description    = fs.String("description", "", "pool description")
		creatorKey     = fs.String("creator-agreement-key", "", "creator's 32-byte agreement public key, hex")
		signingKey     = fs.String("creator-signing-key", "", "creator's 32-byte Ed25519 signing public key, hex (required to close the pool later)")
		revealDeadline = fs.String("reveal-deadline", "", "ISO-8601 instant or integer hours-from-now")
		commitDeadline = fs.String("commit-deadline", "", "optional: ISO-8601 instant or integer hours-from-now")
		maxPreferences = fs.Int("max-preferences", 0, "optional: max real preferences per submission (0 = unlimited)")
		ephemeral      = fs.Bool("ephemeral", false, "delete participants once the pool closes")
		requiresInvite = fs.Bool("requires-invite", false, "pool requires an invite to join")
		gateKind       = fs.String("gate", "creator-only", "eligibility gate: open, creator-only, allow-list")
		allowKeys      = fs.String("allow", "", "comma-separated hex agreement keys for -gate=allow-list")
	)
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	if *name == "" {
		*name = promptForInput("Pool name", "")
	}
	if *creatorKey == "" {
		*creatorKey = promptForInput("Creator agreement public key (hex)", "")
	}
	if *revealDeadline == "" {
		*revealDeadline = promptForInput("Reveal deadline (ISO-8601 or hours from now)", "24")
	}

	creatorKeyBytes, err := hex.DecodeString(*creatorKey)
	if err != nil {
		fail("invalid creator agreement key: %v", err)
		return exitUserError
	}
	var signingKeyBytes []byte
	if *signingKey != "" {
		signingKeyBytes, err = hex.DecodeString(*signingKey)
		if err != nil {
			fail("invalid creator signing key: %v", err)
			return exitUserError
		}
	}

	deadline, err := parseDeadline(*revealDeadline)
	if err != nil {
		fail("%v", err)
		return exitUserError
	}

	params := pool.CreateParams{
		Name:                 *name,
		Description:          *description,
		CreatorAgreementKey:  creatorKeyBytes,
		CreatorSigningKey:    signingKeyBytes,
		RevealDeadline:       deadline,
		Ephemeral:            *ephemeral,
		RequiresInviteToJoin: *requiresInvite,
	}
	if *commitDeadline != "" {
		cd, err := parseDeadline(*commitDeadline)
		if err != nil {
			fail("%v", err)
			return exitUserError
		}
		params.CommitDeadline = &cd
	}
	if *maxPreferences > 0 {
		params.MaxPreferences = maxPreferences
	}

	g, err := buildGate(*gateKind, creatorKeyBytes, *allowKeys)
	if err != nil {
		fail("%v", err)
		return exitUserError
	}
	params.Gate = g

	svc, closeSvc, code := openService(*configPath)
	if svc == nil {
		return code
	}
	defer closeSvc()

	p, err := svc.CreatePool(context.Background(), params)
	if err != nil {
		fail("create pool: %v", err)
		return exitCodeForError(err)
	}
	printJSON(p)
	return exitOK
}

func buildGate(kind string, creatorKey []byte, allowCSV string) (*gate.Node, error) {
	switch kind {
	case "open":
		g := gate.Open()
		return &g, nil
	case "", "creator-only":
		return nil, nil // pool.Create defaults to allow-list{creator}
	case "allow-list":
		keys := [][]byte{creatorKey}
		for _, raw := range strings.Split(allowCSV, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			k, err := hex.DecodeString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid allow-list key %q: %w", raw, err)
			}
			keys = append(keys, k)
		}
		g := gate.AllowList(keys...)
		return &g, nil
	default:
		return nil, fmt.Errorf("unknown gate kind %q (want open, creator-only, allow-list)", kind)
	}
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	svc, closeSvc, code := openService(*configPath)
	if svc == nil {
		return code
	}
	defer closeSvc()

	pools, err := svc.ListPools(context.Background())
	if err != nil {
		fail("list pools: %v", err)
		return exitCodeForError(err)
	}
	printJSON(pools)
	return exitOK
}

func runShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	id := fs.String("id", "", "pool id")
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	poolID, err := ids.Parse(*id)
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
	p, err := svc.GetPool(ctx, poolID)
	if err != nil {
		fail("show pool: %v", err)
		return exitCodeForError(err)
	}
	participants, err := svc.ListParticipants(ctx, poolID)
	if err != nil {
		fail("list participants: %v", err)
		return exitCodeForError(err)
	}
	printJSON(struct {
		Pool         *store.Pool          `json:"pool"`
		Participants []*store.Participant `json:"participants"`
	}{p, participants})
	return exitOK
}

func runClose(args []string) int {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	id := fs.String("id", "", "pool id")
	signature := fs.String("signature", "", "hex Ed25519 signature over the close request")
	timestampMillis := fs.Int64("timestamp", 0, "millisecond timestamp the signature was computed over")
	force := fs.Bool("force", false, "skip the interactive confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	poolID, err := ids.Parse(*id)
	if err != nil {
		fail("invalid pool id: %v", err)
		return exitUserError
	}
	sigBytes, err := hex.DecodeString(*signature)
	if err != nil {
		fail("invalid signature: %v", err)
		return exitUserError
	}
	if !*force && !confirm(fmt.Sprintf("Force-close pool %s now", poolID)) {
		fail("aborted")
		return exitUserError
	}

	svc, closeSvc, code := openService(*configPath)
	if svc == nil {
		return code
	}
	defer closeSvc()

	p, err := svc.ClosePool(context.Background(), poolID, sigBytes, *timestampMillis)
	if err != nil {
		fail("close pool: %v", err)
		return exitCodeForError(err)
	}
	printJSON(p)
	return exitOK
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	id := fs.String("id", "", "pool id")
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	poolID, err := ids.Parse(*id)
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
	p, err := svc.GetPool(ctx, poolID)
	if err != nil {
		fail("export: %v", err)
		return exitCodeForError(err)
	}
	participants, err := svc.ListParticipants(ctx, poolID)
	if err != nil {
		fail("export: %v", err)
		return exitCodeForError(err)
	}
	result, err := svc.MatchResult(ctx, poolID)
	if err != nil {
		result = nil // no result yet is not fatal for export
	}
	printJSON(struct {
		Pool         *store.Pool          `json:"pool"`
		Participants []*store.Participant `json:"participants"`
		MatchResult  *store.MatchResult   `json:"match_result,omitempty"`
	}{p, participants, result})
	return exitOK
}

// openService builds a rendezvous.Service from the configured store. The
// returned close function is always safe to call, even on the nil-Service
// error path. On failure, the returned Service is nil and the second return
// value is the exit code to propagate.
func openService(configPath string) (*rendezvous.Service, func(), int) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fail("load config: %v", err)
		return nil, func() {}, exitInfraError
	}
	s, err := openStore(cfg)
	if err != nil {
		fail("open store: %v", err)
		return nil, func() {}, exitInfraError
	}
	svc := rendezvous.New(cfg, s, nil, nil)
	return svc, func() { _ = svc.Close() }, exitOK
}
