package auth

import (
	"regexp"
	"testing"
)

var licenseKeyPattern = regexp.MustCompile(`^[0-9A-F]{32}$`)

func TestGenerateLicenseKeyFormat(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 64 {
		k, err := GenerateLicenseKey()
		if err != nil {
			t.Fatal(err)
		}
		if !licenseKeyPattern.MatchString(k) {
			t.Fatalf("unexpected key format %q", k)
		}
		if _, dup := seen[k]; dup {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = struct{}{}
	}
}

func TestKeysEqual(t *testing.T) {
	t.Parallel()

	if !KeysEqual("ABC", "ABC") {
		t.Fatal("expected equal keys")
	}
	if KeysEqual("ABC", "ABD") {
		t.Fatal("expected different keys")
	}
	if KeysEqual("ABC", "") {
		t.Fatal("expected empty key to differ")
	}
}

func TestSecretVerifierPlain(t *testing.T) {
	t.Parallel()

	v := NewSecretVerifier("s3cret", "")
	if !v.Configured() {
		t.Fatal("expected configured verifier")
	}
	if !v.Verify("s3cret") {
		t.Fatal("expected matching secret to verify")
	}
	if v.Verify("s3cret ") || v.Verify("") {
		t.Fatal("expected mismatched secrets to fail")
	}
}

func TestSecretVerifierHashPreferred(t *testing.T) {
	t.Parallel()

	hash, err := HashSecret("from-hash")
	if err != nil {
		t.Fatal(err)
	}
	v := NewSecretVerifier("from-plain", hash)
	if !v.Verify("from-hash") {
		t.Fatal("expected hashed secret to verify")
	}
	if v.Verify("from-plain") {
		t.Fatal("expected plaintext secret to be ignored when a hash is set")
	}
}

func TestSecretVerifierZeroRejects(t *testing.T) {
	t.Parallel()

	var v SecretVerifier
	if v.Configured() {
		t.Fatal("expected zero verifier to be unconfigured")
	}
	if v.Verify("anything") {
		t.Fatal("expected zero verifier to reject")
	}
}

func TestGenerateSecretUnique(t *testing.T) {
	t.Parallel()

	a, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if a == b || len(a) < 40 {
		t.Fatalf("expected distinct long secrets, got %q and %q", a, b)
	}
}
