package secrets

import (
	"encoding/base64"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	raw, err := k.SealString("sk-very-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := k.OpenString(raw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-very-secret" {
		t.Fatalf("expected original value, got %q", out)
	}
}

func TestRotationOpensOldSealsNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldRing, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	legacy, err := oldRing.SealString("legacy-key")
	if err != nil {
		t.Fatalf("seal legacy: %v", err)
	}

	rotated, err := NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	plain, err := rotated.OpenString(legacy)
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	if plain != "legacy-key" {
		t.Fatalf("unexpected plaintext %q", plain)
	}

	resealed, err := rotated.ReSeal(legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	out, err := rotated.OpenString(resealed)
	if err != nil {
		t.Fatalf("open resealed: %v", err)
	}
	if out != "legacy-key" {
		t.Fatalf("reseal changed value to %q", out)
	}
}

func TestUnknownKeyID(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	if _, err := k.OpenString(`{"key_id":"nope","nonce":"","ciphertext":""}`); err == nil {
		t.Fatalf("expected error for unknown key id")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
