package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// cheapParams keeps the hashing tests fast.
var cheapParams = Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}

func TestArgon2Hasher_RoundTrip(t *testing.T) {
	h := NewArgon2Hasher(cheapParams)

	hash, err := h.Hash("gateway-secret")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Errorf("hash = %q, want argon2id PHC string with the configured params", hash)
	}
	if strings.Contains(hash, "gateway-secret") {
		t.Fatal("hash contains the plaintext")
	}

	ok, err := h.Verify("gateway-secret", hash)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !ok {
		t.Error("Verify() = false for the correct secret")
	}

	ok, err = h.Verify("wrong-secret", hash)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ok {
		t.Error("Verify() = true for the wrong secret")
	}
}

func TestArgon2Hasher_VerifyUsesStoredParams(t *testing.T) {
	hash, err := NewArgon2Hasher(cheapParams).Hash("s3cret")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	other := NewArgon2Hasher(Argon2Params{Time: 2, Memory: 2048, Threads: 1, KeyLen: 16})
	ok, err := other.Verify("s3cret", hash)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !ok {
		t.Error("Verify() should use the parameters recorded in the hash")
	}
}

func TestArgon2Hasher_UniqueSalts(t *testing.T) {
	h := NewArgon2Hasher(cheapParams)
	a, _ := h.Hash("same")
	b, _ := h.Hash("same")
	if a == b {
		t.Error("two hashes of the same secret should differ")
	}
}

func TestArgon2Hasher_MalformedHash(t *testing.T) {
	h := NewArgon2Hasher(cheapParams)
	for _, encoded := range []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaA",
	} {
		if _, err := h.Verify("x", encoded); !errors.Is(err, ErrMalformedHash) {
			t.Errorf("Verify(%q) error = %v, want ErrMalformedHash", encoded, err)
		}
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	b, _ := GenerateSecret()
	if a == b {
		t.Error("GenerateSecret() returned the same value twice")
	}

	raw, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("secret %q is not raw URL-safe base64: %v", a, err)
	}
	if len(raw) != 32 {
		t.Errorf("secret decodes to %d bytes, want 32", len(raw))
	}
}
