package verifier

import (
	"errors"
	"testing"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/errs"
)

func TestHasPointers(t *testing.T) {
	if HasPointers(map[string]any{"foo": "bar"}) {
		t.Fatal("HasPointers should be false without a pointers key")
	}
	if !HasPointers(map[string]any{"pointers": []any{"a"}}) {
		t.Fatal("HasPointers should be true with a pointers key")
	}
}

func signedTestPayload(t *testing.T, secretKey []byte, signedAt time.Time) map[string]any {
	t.Helper()
	remainder := map[string]any{
		"pointers": []any{"s3://bucket/key"},
		"task_id":  "t-1",
	}
	sig, err := SignForTest(remainder, secretKey)
	if err != nil {
		t.Fatalf("SignForTest: %v", err)
	}
	raw := map[string]any{
		"pointers":          remainder["pointers"],
		"task_id":           remainder["task_id"],
		"signature":         sig,
		"signed_at":         signedAt.Format(time.RFC3339),
		"signing_algorithm": "HMAC-SHA256",
	}
	return raw
}

func TestVerifyPointerSignature_ValidSignaturePasses(t *testing.T) {
	secretKey := []byte("super-secret")
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	raw := signedTestPayload(t, secretKey, now.Add(-1*time.Minute))

	if err := VerifyPointerSignature(raw, secretKey, now, 5*time.Minute); err != nil {
		t.Fatalf("expected valid signature to pass, got %v", err)
	}
}

func TestVerifyPointerSignature_MissingSignature(t *testing.T) {
	raw := map[string]any{"pointers": []any{"x"}}
	err := VerifyPointerSignature(raw, []byte("k"), time.Now(), 0)
	assertReasonCode(t, err, errs.ReasonArtifactSignatureMissing)
}

func TestVerifyPointerSignature_BadAlgorithm(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	raw := signedTestPayload(t, []byte("k"), now)
	raw["signing_algorithm"] = "MD5"
	err := VerifyPointerSignature(raw, []byte("k"), now, 5*time.Minute)
	assertReasonCode(t, err, errs.ReasonArtifactAlgorithmInvalid)
}

func TestVerifyPointerSignature_ExpiredSkew(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	secretKey := []byte("k")
	raw := signedTestPayload(t, secretKey, now.Add(-10*time.Minute))
	err := VerifyPointerSignature(raw, secretKey, now, 5*time.Minute)
	assertReasonCode(t, err, errs.ReasonArtifactSignatureExpired)
}

func TestVerifyPointerSignature_ExpiredUsesDefaultSkewWhenUnset(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	secretKey := []byte("k")
	raw := signedTestPayload(t, secretKey, now.Add(-(DefaultMaxSkew + time.Minute)))
	err := VerifyPointerSignature(raw, secretKey, now, 0)
	assertReasonCode(t, err, errs.ReasonArtifactSignatureExpired)
}

func TestVerifyPointerSignature_TamperedPayloadFailsHMAC(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	secretKey := []byte("k")
	raw := signedTestPayload(t, secretKey, now)
	raw["task_id"] = "tampered"
	err := VerifyPointerSignature(raw, secretKey, now, 5*time.Minute)
	assertReasonCode(t, err, errs.ReasonArtifactSignatureInvalid)
}

func TestVerifyPointerSignature_WrongSecretKeyFails(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	raw := signedTestPayload(t, []byte("correct-key"), now)
	err := VerifyPointerSignature(raw, []byte("wrong-key"), now, 5*time.Minute)
	assertReasonCode(t, err, errs.ReasonArtifactSignatureInvalid)
}

func assertReasonCode(t *testing.T, err error, want string) {
	t.Helper()
	var hubErr *errs.HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("expected a *errs.HubError, got %v (%T)", err, err)
	}
	if hubErr.ReasonCode != want {
		t.Fatalf("reason_code = %q, want %q", hubErr.ReasonCode, want)
	}
}
