package verifier

import (
	"encoding/json"
	"fmt"
	"regexp"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/quantsys/a2a-taskhub/internal/errs"
)

// canonicalPackFields is the exact required order of the canonical pack.
var canonicalPackFields = []string{
	"task_code", "trace_id", "status", "submit_path", "ata_path",
	"evidence_paths", "sha256_map", "ruleset_sha256",
}

var (
	uuidV4Pattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
	sha256Pattern  = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// IsCanonicalPack reports whether the raw payload carries the full
// canonical-pack field set, the trigger condition for the validator path.
// Field order is not considered at this stage; that is
// ValidateCanonicalPack's job.
func IsCanonicalPack(raw map[string]any) bool {
	for _, f := range canonicalPackFields {
		if _, ok := raw[f]; !ok {
			return false
		}
	}
	return true
}

// ValidateCanonicalPack implements the canonical-pack validator. rawJSON
// must be the original request bytes (not a re-marshaled map) so that field
// order survives into the OrderedMap decode.
func ValidateCanonicalPack(rawJSON []byte) error {
	om := orderedmap.New[string, any]()
	if err := json.Unmarshal(rawJSON, om); err != nil {
		return errs.Wrap(errs.KindValidation, errs.ReasonMissingRequiredField, "result is not a JSON object", err)
	}

	required := make(map[string]struct{}, len(canonicalPackFields))
	for _, f := range canonicalPackFields {
		required[f] = struct{}{}
	}
	var gotOrder []string
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		if _, wanted := required[pair.Key]; wanted {
			gotOrder = append(gotOrder, pair.Key)
		}
	}
	if len(gotOrder) != len(canonicalPackFields) {
		return errs.New(errs.KindValidation, errs.ReasonMissingRequiredField, "canonical pack is missing one or more required fields")
	}
	for i, key := range gotOrder {
		if key != canonicalPackFields[i] {
			return errs.New(errs.KindValidation, errs.ReasonInvalidFieldOrder, "canonical pack fields are not in the required order")
		}
	}

	get := func(key string) (any, bool) {
		return om.Get(key)
	}

	taskCode, _ := get("task_code")
	if _, ok := taskCode.(string); !ok {
		return fieldFormatError("task_code")
	}
	traceID, _ := get("trace_id")
	traceIDStr, ok := traceID.(string)
	if !ok {
		return fieldFormatError("trace_id")
	}
	if !uuidV4Pattern.MatchString(traceIDStr) {
		return errs.New(errs.KindValidation, errs.ReasonInvalidUUID, "trace_id is not a version-4 UUID")
	}

	status, _ := get("status")
	statusStr, ok := status.(string)
	if !ok {
		return fieldFormatError("status")
	}
	switch statusStr {
	case "PASS", "FAIL", "ERROR":
	default:
		return errs.New(errs.KindValidation, errs.ReasonInvalidStatus, fmt.Sprintf("status %q is not PASS/FAIL/ERROR", statusStr))
	}

	submitPath, _ := get("submit_path")
	if _, ok := submitPath.(string); !ok {
		return fieldFormatError("submit_path")
	}
	ataPath, _ := get("ata_path")
	if _, ok := ataPath.(string); !ok {
		return fieldFormatError("ata_path")
	}

	evidencePaths, _ := get("evidence_paths")
	evidenceSlice, ok := evidencePaths.([]any)
	if !ok {
		return fieldFormatError("evidence_paths")
	}
	for _, p := range evidenceSlice {
		if _, ok := p.(string); !ok {
			return fieldFormatError("evidence_paths")
		}
	}

	sha256Map, _ := get("sha256_map")
	sha256MapTyped, ok := asStringMap(sha256Map)
	if !ok {
		return fieldFormatError("sha256_map")
	}
	for k, v := range sha256MapTyped {
		vs, ok := v.(string)
		if !ok || !sha256Pattern.MatchString(vs) {
			return errs.New(errs.KindValidation, errs.ReasonInvalidSHA256, fmt.Sprintf("sha256_map[%q] is not a 64-char hex digest", k))
		}
	}

	rulesetSHA, _ := get("ruleset_sha256")
	rulesetSHAStr, ok := rulesetSHA.(string)
	if !ok || !sha256Pattern.MatchString(rulesetSHAStr) {
		return errs.New(errs.KindValidation, errs.ReasonInvalidSHA256, "ruleset_sha256 is not a 64-char hex digest")
	}

	return nil
}

// asStringMap normalizes a nested JSON object decoded into `any` regardless
// of whether the decoder produced a plain map[string]any or (as
// go-ordered-map's recursive order-preserving decode can for nested values)
// an *orderedmap.OrderedMap[string, any].
func asStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case *orderedmap.OrderedMap[string, any]:
		out := make(map[string]any, t.Len())
		for pair := t.Oldest(); pair != nil; pair = pair.Next() {
			out[pair.Key] = pair.Value
		}
		return out, true
	default:
		return nil, false
	}
}

func fieldFormatError(field string) error {
	return errs.New(errs.KindValidation, errs.ReasonInvalidFieldFormat, fmt.Sprintf("field %q has an unexpected type", field))
}
