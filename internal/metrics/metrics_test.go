package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_InstrumentsAreIndependentAcrossRegistries(t *testing.T) {
	a := New()
	b := New()

	a.TasksCreated.Inc()
	a.TasksCreated.Inc()
	b.TasksCreated.Inc()

	aBody := scrape(t, a)
	bBody := scrape(t, b)

	if !strings.Contains(aBody, "a2a_taskhub_tasks_created_total 2") {
		t.Fatalf("registry a expected count 2, body:\n%s", aBody)
	}
	if !strings.Contains(bBody, "a2a_taskhub_tasks_created_total 1") {
		t.Fatalf("registry b expected count 1, body:\n%s", bBody)
	}
}

func TestHandler_ExposesAllInstrumentNames(t *testing.T) {
	r := New()
	r.QueueDepth.Set(5)
	r.DLQDepth.Set(1)
	r.LeasesReclaimed.Add(3)
	r.PriorityBumps.Add(2)
	r.RateLimitRejects.Inc()
	r.RBACDenials.Inc()
	r.RequestDuration.WithLabelValues("/task/create", "POST").Observe(0.05)

	body := scrape(t, r)
	for _, name := range []string{
		"a2a_taskhub_tasks_created_total",
		"a2a_taskhub_tasks_completed_total",
		"a2a_taskhub_tasks_failed_total",
		"a2a_taskhub_tasks_retried_total",
		"a2a_taskhub_tasks_dlq_total",
		"a2a_taskhub_queue_depth 5",
		"a2a_taskhub_dlq_depth 1",
		"a2a_taskhub_leases_reclaimed_total 3",
		"a2a_taskhub_priority_bumps_total 2",
		"a2a_taskhub_ratelimit_rejects_total 1",
		"a2a_taskhub_rbac_denials_total 1",
		"a2a_taskhub_request_duration_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape body missing %q", name)
		}
	}
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}
