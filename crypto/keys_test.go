package crypto

import (
	"strings"
	"testing"
)

func TestWorkerCredentialRoundTrip(t *testing.T) {
	cred, err := GenerateWorkerCredential()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(cred.PublicKey, AccountPrefix+"1") {
		t.Fatalf("unexpected address %s", cred.PublicKey)
	}
	key, err := cred.Key()
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if key.Address().String() != cred.PublicKey {
		t.Fatalf("restored key controls %s, want %s", key.Address(), cred.PublicKey)
	}
	decoded, err := DecodeAddress(cred.PublicKey)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.String() != cred.PublicKey {
		t.Fatalf("decode mismatch")
	}
}

func TestCredentialWithoutSecret(t *testing.T) {
	if _, err := (WorkerCredential{PublicKey: "ak1xyz"}).Key(); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}
