package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"testing"
)

func sign(secret string, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureValid(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "abc123")
	form.Set("Status", "completed")

	// Keys sorted: CallSid before Status.
	sig := sign("secret", "CallSid=abc123&Status=completed")

	if err := VerifySignature("secret", form, sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifySignatureInvalid(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "abc123")

	if err := VerifySignature("secret", form, "deadbeef"); err == nil {
		t.Fatal("expected error for wrong signature")
	}
}

func TestVerifySignatureTamperedForm(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "abc123")
	form.Set("Status", "completed")
	sig := sign("secret", "CallSid=abc123&Status=completed")

	form.Set("Status", "failed")
	if err := VerifySignature("secret", form, sig); err == nil {
		t.Fatal("expected error after form tampering")
	}
}

func TestVerifySignatureMissingHeader(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "abc123")

	if err := VerifySignature("secret", form, ""); err == nil {
		t.Fatal("expected error for missing signature")
	}
}

func TestVerifySignatureNoSecretSkips(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "abc123")

	if err := VerifySignature("", form, ""); err != nil {
		t.Fatalf("expected verification skipped with empty secret, got %v", err)
	}
}
