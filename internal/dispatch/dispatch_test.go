package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantsys/a2a-taskhub/internal/errs"
	"github.com/quantsys/a2a-taskhub/internal/store"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskhub.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, []byte("secret"), 60, 3, 5*time.Minute)
}

func registerAgent(t *testing.T, d *Dispatcher, agentID, ownerRole string) {
	t.Helper()
	if _, err := d.Store.RegisterAgent(context.Background(), store.Agent{
		AgentID: agentID, OwnerRole: ownerRole, Capacity: 2,
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
}

func TestDispatcher_Create_RecordsRoutingDecision(t *testing.T) {
	d := newTestDispatcher(t)
	registerAgent(t, d, "agent-1", "qa")

	task, existed, err := d.Create(context.Background(), store.CreateTaskInput{
		TaskCode: "ATA-1001", MessageID: "m1", OwnerRole: "qa", Instructions: "run it",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if existed {
		t.Fatal("expected a fresh task")
	}
	if want := `Matched by R5: task_code starts with "ATA-"`; task.RoutingDecision != want {
		t.Fatalf("routing_decision = %q, want %q", task.RoutingDecision, want)
	}
	if task.WorkerType != "Trae" {
		t.Fatalf("worker_type = %q, want Trae", task.WorkerType)
	}
}

func TestDispatcher_Create_IdempotentOnMessageID(t *testing.T) {
	d := newTestDispatcher(t)
	registerAgent(t, d, "agent-1", "qa")

	in := store.CreateTaskInput{TaskCode: "X", MessageID: "dup", OwnerRole: "qa", Instructions: "x"}
	first, _, err := d.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, existed, err := d.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !existed || second.ID != first.ID {
		t.Fatalf("expected idempotent hit returning task %s, got %s existed=%v", first.ID, second.ID, existed)
	}
}

func TestDispatcher_ResolveIdentity_RequiresOneSelector(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.ResolveIdentity(context.Background(), "", "", "")
	if err == nil {
		t.Fatal("expected an error when no identity field is supplied")
	}
	var hubErr *errs.HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("expected *errs.HubError, got %T", err)
	}
	if hubErr.ReasonCode != errs.ReasonMissingParameter {
		t.Fatalf("reason_code = %q, want %q", hubErr.ReasonCode, errs.ReasonMissingParameter)
	}
}

func TestDispatcher_NextAndHeartbeat(t *testing.T) {
	d := newTestDispatcher(t)
	registerAgent(t, d, "agent-1", "qa")
	if _, _, err := d.Create(context.Background(), store.CreateTaskInput{
		TaskCode: "T1", MessageID: "m1", OwnerRole: "qa", Instructions: "x",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	task, err := d.Next(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if task == nil {
		t.Fatal("expected a dispatchable task")
	}
	if _, _, err := d.Heartbeat(context.Background(), task.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

func TestDispatcher_Result_DoneTransitionsTask(t *testing.T) {
	d := newTestDispatcher(t)
	registerAgent(t, d, "agent-1", "qa")
	if _, _, err := d.Create(context.Background(), store.CreateTaskInput{
		TaskCode: "T1", MessageID: "m1", OwnerRole: "qa", Instructions: "x",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := d.Next(context.Background(), "agent-1")
	if err != nil || task == nil {
		t.Fatalf("next: task=%v err=%v", task, err)
	}

	updated, err := d.Result(context.Background(), task, nil, nil, store.ResultInput{Status: store.StatusDone, Result: "ok"})
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if updated.Status != store.StatusDone {
		t.Fatalf("status = %q, want DONE", updated.Status)
	}
}

func TestDispatcher_Result_RejectsTamperedSignedPointers(t *testing.T) {
	d := newTestDispatcher(t)
	registerAgent(t, d, "agent-1", "qa")
	if _, _, err := d.Create(context.Background(), store.CreateTaskInput{
		TaskCode: "T1", MessageID: "m1", OwnerRole: "qa", Instructions: "x",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := d.Next(context.Background(), "agent-1")
	if err != nil || task == nil {
		t.Fatalf("next: task=%v err=%v", task, err)
	}

	resultObj := map[string]any{
		"pointers":          []any{"s3://bucket/key"},
		"signature":         "deadbeef",
		"signed_at":         time.Now().UTC().Format(time.RFC3339),
		"signing_algorithm": "HMAC-SHA256",
	}
	_, err = d.Result(context.Background(), task, resultObj, nil, store.ResultInput{Status: store.StatusDone, Result: "ok"})
	if err == nil {
		t.Fatal("expected a tampered/forged signature to be rejected")
	}
}
