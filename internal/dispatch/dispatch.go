// Package dispatch composes the Routing Engine, Artifact Verifier, and
// Task Store into the four operations the Gateway exposes: create, next,
// heartbeat, and result. The state-machine and capacity mechanics already
// live in internal/store; this package's job is identity resolution,
// routing the task to a worker type before the store ever sees it, and
// running the Artifact Verifier on a result payload before it is
// committed.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/errs"
	"github.com/quantsys/a2a-taskhub/internal/routing"
	"github.com/quantsys/a2a-taskhub/internal/store"
	"github.com/quantsys/a2a-taskhub/internal/verifier"
)

// Dispatcher wires together the Store and its collaborators.
type Dispatcher struct {
	Store               *store.Store
	SecretKey           []byte
	DefaultLeaseSeconds int
	MaxRetriesDefault   int
	SignatureMaxSkew    time.Duration
}

// New builds a Dispatcher over an already-opened Store.
func New(s *store.Store, secretKey []byte, defaultLeaseSeconds, maxRetriesDefault int, signatureMaxSkew time.Duration) *Dispatcher {
	return &Dispatcher{
		Store:               s,
		SecretKey:           secretKey,
		DefaultLeaseSeconds: defaultLeaseSeconds,
		MaxRetriesDefault:   maxRetriesDefault,
		SignatureMaxSkew:    signatureMaxSkew,
	}
}

// Create implements create(): route the task to a worker type, insert
// one Routing Audit row regardless of outcome, then hand the routed
// worker_type/decision/trace_id to the store's idempotent insert. Returns
// the task and whether it already existed (true on an idempotent hit).
func (d *Dispatcher) Create(ctx context.Context, in store.CreateTaskInput) (*store.Task, bool, error) {
	rules, err := d.Store.ListRoutingRules(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list routing rules: %w", err)
	}
	engineRules := make([]routing.Rule, 0, len(rules))
	for _, r := range rules {
		engineRules = append(engineRules, routing.Rule{RuleID: r.RuleID, Condition: r.Condition, TargetWorker: r.TargetWorker})
	}

	attrs := routing.TaskAttrs{
		TaskCode:  in.TaskCode,
		Area:      in.Area,
		OwnerRole: in.OwnerRole,
		Priority:  in.Priority,
	}
	decision := routing.Decide(engineRules, attrs)

	inputJSON, _ := json.Marshal(attrs)
	outputJSON, _ := json.Marshal(decision)
	if err := d.Store.InsertRoutingAudit(ctx, decision.TraceID, decision.Decision, string(inputJSON), string(outputJSON)); err != nil {
		return nil, false, fmt.Errorf("insert routing audit: %w", err)
	}

	task, existed, err := d.Store.CreateTask(ctx, in, decision.WorkerType, decision.Decision, decision.TraceID, d.Store.DefaultAgentSelector)
	if err != nil {
		return nil, existed, err
	}
	return task, existed, nil
}

// Next implements next(): a thin pass-through, since the ACK-recovery
// fast path, ordered candidate scan, and dependency evaluation are all
// transactional store concerns.
func (d *Dispatcher) Next(ctx context.Context, agentID string) (*store.Task, error) {
	return d.Store.NextForAgent(ctx, agentID, d.DefaultLeaseSeconds)
}

// Heartbeat implements heartbeat().
func (d *Dispatcher) Heartbeat(ctx context.Context, taskID string) (time.Time, int, error) {
	return d.Store.Heartbeat(ctx, taskID)
}

// ResolveIdentity implements result()'s identity resolution: try
// task_id, then message_id, then most-recent task_code. Exactly one of the
// three should be supplied by the caller.
func (d *Dispatcher) ResolveIdentity(ctx context.Context, taskID, messageID, taskCode string) (*store.Task, error) {
	if taskID != "" {
		return d.Store.GetTask(ctx, taskID)
	}
	if messageID != "" {
		return d.Store.GetTaskByMessageID(ctx, messageID)
	}
	if taskCode != "" {
		return d.Store.GetTaskByCode(ctx, taskCode)
	}
	return nil, errs.New(errs.KindValidation, errs.ReasonMissingParameter, "one of task_id, message_id, task_code is required")
}

// Result implements result() steps 1-7. rawResultJSON is the original
// request bytes for the result field (not yet decoded), needed so the
// canonical-pack validator can see field order; resultObj is the same
// value already decoded to a map when result is a JSON object, or nil when
// result is absent or not an object.
func (d *Dispatcher) Result(ctx context.Context, task *store.Task, resultObj map[string]any, rawResultJSON []byte, in store.ResultInput) (*store.Task, error) {
	if resultObj != nil {
		if verifier.HasPointers(resultObj) {
			if err := verifier.VerifyPointerSignature(resultObj, d.SecretKey, time.Now().UTC(), d.SignatureMaxSkew); err != nil {
				return nil, err
			}
		} else if verifier.IsCanonicalPack(resultObj) {
			if err := verifier.ValidateCanonicalPack(rawResultJSON); err != nil {
				return nil, err
			}
		}
	}

	return d.Store.SubmitResult(ctx, task.ID, in, d.MaxRetriesDefault)
}
