package verifier

import (
	"errors"
	"testing"

	"github.com/quantsys/a2a-taskhub/internal/errs"
)

const validPackJSON = `{
	"task_code": "ATA-1001",
	"trace_id": "4f8d6a1e-8b3a-4f7a-9c2b-2a6e1d4f9a10",
	"status": "PASS",
	"submit_path": "/tmp/submit.json",
	"ata_path": "/tmp/ata.json",
	"evidence_paths": ["/tmp/ev1.log", "/tmp/ev2.log"],
	"sha256_map": {"ev1.log": "` + hex64 + `"},
	"ruleset_sha256": "` + hex64 + `"
}`

const hex64 = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestIsCanonicalPack(t *testing.T) {
	full := map[string]any{
		"task_code": "x", "trace_id": "x", "status": "x", "submit_path": "x",
		"ata_path": "x", "evidence_paths": "x", "sha256_map": "x", "ruleset_sha256": "x",
	}
	if !IsCanonicalPack(full) {
		t.Fatal("expected full field set to be recognized as a canonical pack")
	}
	delete(full, "ruleset_sha256")
	if IsCanonicalPack(full) {
		t.Fatal("expected missing field to fail recognition")
	}
}

func TestValidateCanonicalPack_Valid(t *testing.T) {
	if err := ValidateCanonicalPack([]byte(validPackJSON)); err != nil {
		t.Fatalf("expected valid pack to pass, got %v", err)
	}
}

func TestValidateCanonicalPack_WrongOrder(t *testing.T) {
	reordered := `{
		"trace_id": "4f8d6a1e-8b3a-4f7a-9c2b-2a6e1d4f9a10",
		"task_code": "ATA-1001",
		"status": "PASS",
		"submit_path": "/tmp/submit.json",
		"ata_path": "/tmp/ata.json",
		"evidence_paths": [],
		"sha256_map": {},
		"ruleset_sha256": "` + hex64 + `"
	}`
	err := ValidateCanonicalPack([]byte(reordered))
	assertVerifierReason(t, err, errs.ReasonInvalidFieldOrder)
}

func TestValidateCanonicalPack_ExtraFieldsInterspersedDoNotBreakOrder(t *testing.T) {
	withExtra := `{
		"task_code": "ATA-1001",
		"note": "not part of the canonical set",
		"trace_id": "4f8d6a1e-8b3a-4f7a-9c2b-2a6e1d4f9a10",
		"status": "PASS",
		"submit_path": "/tmp/submit.json",
		"ata_path": "/tmp/ata.json",
		"evidence_paths": [],
		"sha256_map": {},
		"ruleset_sha256": "` + hex64 + `"
	}`
	if err := ValidateCanonicalPack([]byte(withExtra)); err != nil {
		t.Fatalf("an interspersed non-required field must not trigger INVALID_FIELD_ORDER: %v", err)
	}
}

func TestValidateCanonicalPack_MissingField(t *testing.T) {
	missing := `{
		"task_code": "ATA-1001",
		"trace_id": "4f8d6a1e-8b3a-4f7a-9c2b-2a6e1d4f9a10",
		"status": "PASS",
		"submit_path": "/tmp/submit.json",
		"ata_path": "/tmp/ata.json",
		"evidence_paths": [],
		"sha256_map": {}
	}`
	err := ValidateCanonicalPack([]byte(missing))
	assertVerifierReason(t, err, errs.ReasonMissingRequiredField)
}

func TestValidateCanonicalPack_BadUUID(t *testing.T) {
	bad := `{
		"task_code": "ATA-1001",
		"trace_id": "not-a-uuid",
		"status": "PASS",
		"submit_path": "/tmp/submit.json",
		"ata_path": "/tmp/ata.json",
		"evidence_paths": [],
		"sha256_map": {},
		"ruleset_sha256": "` + hex64 + `"
	}`
	err := ValidateCanonicalPack([]byte(bad))
	assertVerifierReason(t, err, errs.ReasonInvalidUUID)
}

func TestValidateCanonicalPack_BadStatus(t *testing.T) {
	bad := `{
		"task_code": "ATA-1001",
		"trace_id": "4f8d6a1e-8b3a-4f7a-9c2b-2a6e1d4f9a10",
		"status": "MAYBE",
		"submit_path": "/tmp/submit.json",
		"ata_path": "/tmp/ata.json",
		"evidence_paths": [],
		"sha256_map": {},
		"ruleset_sha256": "` + hex64 + `"
	}`
	err := ValidateCanonicalPack([]byte(bad))
	assertVerifierReason(t, err, errs.ReasonInvalidStatus)
}

func TestValidateCanonicalPack_BadSHA256InMap(t *testing.T) {
	bad := `{
		"task_code": "ATA-1001",
		"trace_id": "4f8d6a1e-8b3a-4f7a-9c2b-2a6e1d4f9a10",
		"status": "PASS",
		"submit_path": "/tmp/submit.json",
		"ata_path": "/tmp/ata.json",
		"evidence_paths": [],
		"sha256_map": {"ev1.log": "too-short"},
		"ruleset_sha256": "` + hex64 + `"
	}`
	err := ValidateCanonicalPack([]byte(bad))
	assertVerifierReason(t, err, errs.ReasonInvalidSHA256)
}

func assertVerifierReason(t *testing.T, err error, want string) {
	t.Helper()
	var hubErr *errs.HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("expected a *errs.HubError, got %v (%T)", err, err)
	}
	if hubErr.ReasonCode != want {
		t.Fatalf("reason_code = %q, want %q", hubErr.ReasonCode, want)
	}
}
