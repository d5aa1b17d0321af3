// Package rbac implements the request-scoped RBAC collaborator: it
// reads X-A2A-Role and X-A2A-Token off every request, checks the role
// against the fixed permission map, and records every decision to the
// audit trail with a SHA-256 hashed caller identity (never the raw token).
package rbac

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/quantsys/a2a-taskhub/internal/audit"
	"github.com/quantsys/a2a-taskhub/internal/errs"
	"github.com/quantsys/a2a-taskhub/internal/shared"
)

// Permission names used as capability keys in the permission map.
const (
	PermCreate      = "create"
	PermReadAll     = "read_all"
	PermReportResult = "report_result"
	PermAssign      = "assign"
	PermReplayDLQ   = "replay_dlq"
)

// permissionMap is the fixed role → permissions table.
var permissionMap = map[string]map[string]bool{
	"submitter": {PermCreate: true, PermReadAll: true},
	"worker":    {PermReportResult: true, PermReadAll: true, PermAssign: true},
	"auditor":   {PermReadAll: true},
	"admin":     {PermCreate: true, PermAssign: true, PermReportResult: true, PermReplayDLQ: true, PermReadAll: true},
}

// HashIdentity returns a SHA-256 hex digest of the caller's token, used for
// audit logging so the raw token never appears in a log line.
func HashIdentity(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Allows reports whether role carries the given permission.
func Allows(role, permission string) bool {
	perms, ok := permissionMap[role]
	if !ok {
		return false
	}
	return perms[permission]
}

// Require builds middleware that rejects requests whose X-A2A-Role lacks
// permission, after recording the decision to the audit trail with a
// trace_id pulled from the request context (if any) and a hashed subject.
func Require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := r.Header.Get("X-A2A-Role")
			token := r.Header.Get("X-A2A-Token")
			subject := HashIdentity(token)
			traceID := shared.TraceID(r.Context())

			if Allows(role, permission) {
				audit.RecordTraced(traceID, "allow", permission, "role "+role+" permitted", "", subject)
				next.ServeHTTP(w, r)
				return
			}

			audit.RecordTraced(traceID, "deny", permission, "role "+role+" lacks "+permission, "", subject)
			writeDenied(w, permission)
		})
	}
}

func writeDenied(w http.ResponseWriter, permission string) {
	herr := errs.New(errs.KindAuthorization, errs.ReasonACLDenied, "role lacks permission: "+permission)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.Kind.StatusCode())
	_, _ = w.Write([]byte(`{"success":false,"error":"` + herr.Message + `","reason_code":"` + herr.ReasonCode + `"}`))
}
