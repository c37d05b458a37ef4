package gate

import "testing"

func TestCompositeAnd(t *testing.T) {
	pass := Open()
	fail := AllowList([]byte("nobody"))

	if !Evaluate(And(pass, pass), Context{}, nil).Eligible {
		t.Fatal("AND over {pass, pass} should pass")
	}
	if Evaluate(And(pass, pass, fail), Context{}, nil).Eligible {
		t.Fatal("AND over {pass, pass, fail} should fail")
	}
}

func TestCompositeOr(t *testing.T) {
	pass := Open()
	fail := AllowList([]byte("nobody"))

	if !Evaluate(Or(fail, pass), Context{}, nil).Eligible {
		t.Fatal("OR over {fail, pass} should pass")
	}
	if Evaluate(Or(fail, fail), Context{}, nil).Eligible {
		t.Fatal("OR over {fail, fail} should fail")
	}
}

func TestEmptyCompositeFails(t *testing.T) {
	if Evaluate(And(), Context{}, nil).Eligible {
		t.Fatal("empty AND should fail")
	}
	if Evaluate(Or(), Context{}, nil).Eligible {
		t.Fatal("empty OR should fail")
	}
}

func TestAllowList(t *testing.T) {
	alice := []byte("alice-key-000000000000000000000")
	bob := []byte("bob-key-0000000000000000000000000")
	g := AllowList(alice)

	if !Evaluate(g, Context{ParticipantKey: alice}, nil).Eligible {
		t.Fatal("alice should be eligible")
	}
	if Evaluate(g, Context{ParticipantKey: bob}, nil).Eligible {
		t.Fatal("bob should not be eligible")
	}
}

type fakeVerifier struct {
	ok  bool
	err error
}

func (f fakeVerifier) Verify(TokenProof) (bool, error) { return f.ok, f.err }
func (f fakeVerifier) IsExpired(TokenProof) bool        { return false }
func (f fakeVerifier) RequestToken(string) (TokenProof, error) {
	return TokenProof{}, nil
}

func TestTokenGateFailsClosedOnAdapterError(t *testing.T) {
	issuers := map[string]IssuerVerifier{
		"issuer-a": fakeVerifier{ok: false, err: errUnreachable},
	}
	ctx := Context{TokenProof: &TokenProof{IssuerID: "issuer-a"}}
	if Evaluate(Token("issuer-a"), ctx, issuers).Eligible {
		t.Fatal("token gate should fail closed when the verifier errors")
	}
}

func TestTokenGateMissingIssuerFailsClosed(t *testing.T) {
	ctx := Context{TokenProof: &TokenProof{IssuerID: "issuer-a"}}
	if Evaluate(Token("issuer-a"), ctx, nil).Eligible {
		t.Fatal("token gate with no configured issuer should fail closed")
	}
}

var errUnreachable = &testErr{"verifier unreachable"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }
