package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "fieldsync-api",
		Audience:      "fieldsync-agents",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueTokenRoundTripsSubject(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	issuer := newTestIssuer(clock)

	token, expiresIn, err := issuer.IssueToken(context.Background(), "worker-42")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "worker-42" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueToken(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	issueTime := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return issueTime })

	token, _, err := issuer.IssueToken(context.Background(), "worker-42")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	late := newTestIssuer(func() time.Time { return issueTime.Add(2 * time.Hour) })
	if _, err := late.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(nil)
	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "fieldsync-api",
		Audience:      "fieldsync-agents",
	})

	token, _, err := foreign.IssueToken(context.Background(), "worker-42")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected foreign signature to be rejected")
	}
}
