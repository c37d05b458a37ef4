package main

import (
	"encoding/hex"
	"flag"

	"github.com/auroradata-ai/rendezvous/internal/crypto"
	"github.com/auroradata-ai/rendezvous/internal/ids"
)

func runKeygen(args []string) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	kind := fs.String("type", "agreement", "keypair type: agreement, signing")
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	switch *kind {
	case "agreement":
		kp, err := crypto.GenerateAgreementKeyPair()
		if err != nil {
			fail("keygen: %v", err)
			return exitInfraError
		}
		printJSON(struct {
			Type    string `json:"type"`
			Private string `json:"private_key"`
			Public  string `json:"public_key"`
		}{"agreement", hex.EncodeToString(kp.Private.Bytes()), hex.EncodeToString(kp.Public.Bytes())})
		return exitOK
	case "signing":
		kp, err := crypto.GenerateSigningKeyPair()
		if err != nil {
			fail("keygen: %v", err)
			return exitInfraError
		}
		printJSON(struct {
			Type    string `json:"type"`
			Private string `json:"private_key"`
			Public  string `json:"public_key"`
		}{"signing", hex.EncodeToString(kp.Private), hex.EncodeToString(kp.Public)})
		return exitOK
	default:
		fail("unknown keypair type %q (want agreement, signing)", *kind)
		return exitUserError
	}
}

func runDeriveToken(args []string) int {
	fs := flag.NewFlagSet("derive-token", flag.ContinueOnError)
	var (
		kind        = fs.String("kind", "match-token", "match-token or nullifier")
		myPrivate   = fs.String("my-private", "", "my 32-byte hex agreement private key")
		theirPublic = fs.String("their-public", "", "their 32-byte hex agreement public key (match-token only)")
		poolIDRaw   = fs.String("pool-id", "", "pool id")
	)
	if err := fs.Parse(args); err != nil {
		return exitUserError
	}

	poolID, err := ids.Parse(*poolIDRaw)
	if err != nil {
		fail("invalid pool id: %v", err)
		return exitUserError
	}
	privBytes, err := hex.DecodeString(*myPrivate)
	if err != nil {
		fail("invalid private key: %v", err)
		return exitUserError
	}
	myPriv, err := crypto.ParseAgreementPrivateKey(privBytes)
	if err != nil {
		fail("invalid private key: %v", err)
		return exitUserError
	}

	switch *kind {
	case "match-token":
		pubBytes, err := hex.DecodeString(*theirPublic)
		if err != nil {
			fail("invalid public key: %v", err)
			return exitUserError
		}
		theirPub, err := crypto.ParseAgreementPublicKey(pubBytes)
		if err != nil {
			fail("invalid public key: %v", err)
			return exitUserError
		}
		token, err := crypto.DeriveMatchToken(myPriv, theirPub, poolID[:])
		if err != nil {
			fail("derive match token: %v", err)
			return exitInfraError
		}
		printJSON(struct {
			MatchToken string `json:"match_token"`
		}{hex.EncodeToString(token)})
		return exitOK
	case "nullifier":
		nullifier := crypto.DeriveNullifier(myPriv, poolID[:])
		printJSON(struct {
			Nullifier string `json:"nullifier"`
		}{hex.EncodeToString(nullifier)})
		return exitOK
	default:
		fail("unknown derive kind %q (want match-token, nullifier)", *kind)
		return exitUserError
	}
}
