package verifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/errs"
)

// DefaultMaxSkew is the default skew window, used when a caller has no
// configured override.
const DefaultMaxSkew = 5 * time.Minute

// VerifyPointerSignature implements the signed-artifact-pointer check. raw
// is the decoded result payload (a map, since it must carry pointers,
// signature, signed_at, signing_algorithm alongside arbitrary other fields).
// now is injected so tests can control the skew window; maxSkew is normally
// config.SignatureMaxSkewSeconds.
func VerifyPointerSignature(raw map[string]any, secretKey []byte, now time.Time, maxSkew time.Duration) error {
	sigVal, hasSig := raw["signature"]
	if !hasSig {
		return errs.New(errs.KindValidation, errs.ReasonArtifactSignatureMissing, "result missing signature field")
	}
	signature, ok := sigVal.(string)
	if !ok || signature == "" {
		return errs.New(errs.KindValidation, errs.ReasonArtifactSignatureMissing, "signature field is not a non-empty string")
	}

	algVal, _ := raw["signing_algorithm"].(string)
	if algVal != "HMAC-SHA256" {
		return errs.New(errs.KindValidation, errs.ReasonArtifactAlgorithmInvalid, fmt.Sprintf("unsupported signing_algorithm %q", algVal))
	}

	signedAtVal, _ := raw["signed_at"].(string)
	signedAt, err := time.Parse(time.RFC3339, signedAtVal)
	if err != nil {
		return errs.Wrap(errs.KindValidation, errs.ReasonArtifactSignatureInvalid, "signed_at is not RFC3339", err)
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if now.Sub(signedAt) > maxSkew {
		return errs.New(errs.KindValidation, errs.ReasonArtifactSignatureExpired, "signed_at is older than the allowed skew")
	}

	remainder := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "signature" || k == "signed_at" || k == "signing_algorithm" {
			continue
		}
		remainder[k] = v
	}

	canonical, err := canonicalJSON(remainder)
	if err != nil {
		return errs.Wrap(errs.KindValidation, errs.ReasonArtifactSignatureInvalid, "failed to canonicalize payload", err)
	}

	mac := hmac.New(sha256.New, secretKey)
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errs.New(errs.KindValidation, errs.ReasonArtifactSignatureInvalid, "signature does not match computed HMAC")
	}
	return nil
}

// HasPointers reports whether a decoded result payload carries a pointers
// array, the trigger condition for the signed-artifact-pointer path.
func HasPointers(raw map[string]any) bool {
	_, ok := raw["pointers"]
	return ok
}

// SignForTest computes the signature a producer would attach, for use in
// tests that need to build a valid signed payload.
func SignForTest(remainder map[string]any, secretKey []byte) (string, error) {
	canonical, err := canonicalJSON(remainder)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secretKey)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
