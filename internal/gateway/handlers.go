package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantsys/a2a-taskhub/internal/errs"
	"github.com/quantsys/a2a-taskhub/internal/routing"
	"github.com/quantsys/a2a-taskhub/internal/store"
)

type createTaskRequest struct {
	TaskCode             string   `json:"task_code"`
	MessageID            string   `json:"message_id"`
	Area                 string   `json:"area"`
	OwnerRole            string   `json:"owner_role"`
	Instructions         string   `json:"instructions"`
	HowToRepro           string   `json:"how_to_repro"`
	Expected             string   `json:"expected"`
	EvidenceRequirements string   `json:"evidence_requirements"`
	Priority             int      `json:"priority"`
	TimeoutSeconds       int      `json:"timeout_seconds"`
	MaxRetries           int      `json:"max_retries"`
	RetryBackoffSec      int      `json:"retry_backoff_sec"`
	Dependencies         []string `json:"dependencies"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TaskCode == "" || req.OwnerRole == "" {
		writeError(w, errs.New(errs.KindValidation, errs.ReasonInvalidTaskTemplate, "task_code and owner_role are required"))
		return
	}

	in := store.CreateTaskInput{
		TaskCode:             req.TaskCode,
		MessageID:            req.MessageID,
		Area:                 req.Area,
		OwnerRole:            req.OwnerRole,
		Instructions:         req.Instructions,
		HowToRepro:           req.HowToRepro,
		Expected:             req.Expected,
		EvidenceRequirements: req.EvidenceRequirements,
		Priority:             req.Priority,
		TimeoutSeconds:       req.TimeoutSeconds,
		MaxRetries:           req.MaxRetries,
		RetryBackoffSec:      req.RetryBackoffSec,
		Dependencies:         req.Dependencies,
	}

	task, _, err := s.dispatcher.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.TasksCreated.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"task_id":         task.ID,
		"task_code":       task.TaskCode,
		"message_id":      task.MessageID,
		"status":          task.Status,
		"agent_id":        task.AgentID,
		"timeout_seconds": task.TimeoutSeconds,
		"max_retries":     task.MaxRetries,
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskID, messageID, taskCode := q.Get("task_id"), q.Get("message_id"), q.Get("task_code")

	var (
		task *store.Task
		err  error
	)
	switch {
	case taskID != "":
		task, err = s.store.GetTask(r.Context(), taskID)
	case messageID != "":
		task, err = s.store.GetTaskByMessageID(r.Context(), messageID)
	case taskCode != "":
		task, err = s.store.GetTaskByCode(r.Context(), taskCode)
	default:
		err = errs.New(errs.KindValidation, errs.ReasonMissingParameter, "one of task_id, message_id, task_code is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": task})
}

func (s *Server) handleTaskNext(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, errs.New(errs.KindValidation, errs.ReasonMissingParameter, "agent_id is required"))
		return
	}
	task, err := s.dispatcher.Next(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, map[string]any{"task": nil, "message": "no eligible task"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

type heartbeatRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleTaskHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TaskID == "" {
		writeError(w, errs.New(errs.KindValidation, errs.ReasonMissingParameter, "task_id is required"))
		return
	}
	expiry, leaseSeconds, err := s.dispatcher.Heartbeat(r.Context(), req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"new_lease_expiry":  expiry.Format(time.RFC3339),
		"lease_seconds":     leaseSeconds,
	})
}

type resultRequest struct {
	TaskID     string          `json:"task_id"`
	MessageID  string          `json:"message_id"`
	TaskCode   string          `json:"task_code"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	ReasonCode string          `json:"reason_code"`
	LastError  string          `json:"last_error"`
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.dispatcher.ResolveIdentity(r.Context(), req.TaskID, req.MessageID, req.TaskCode)
	if err != nil {
		writeError(w, err)
		return
	}

	var resultObj map[string]any
	var resultString string
	if len(req.Result) > 0 {
		resultString = string(req.Result)
		_ = json.Unmarshal(req.Result, &resultObj)
	}

	in := store.ResultInput{
		Status:     store.TaskStatus(req.Status),
		Result:     resultString,
		ReasonCode: req.ReasonCode,
		LastError:  req.LastError,
	}

	updated, err := s.dispatcher.Result(r.Context(), task, resultObj, req.Result, in)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		switch updated.Status {
		case store.StatusDone:
			s.metrics.TasksCompleted.Inc()
		case store.StatusFail:
			s.metrics.TasksFailed.Inc()
		case store.StatusDLQ:
			s.metrics.TasksDLQed.Inc()
		case store.StatusPending:
			s.metrics.TasksRetried.Inc()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": updated})
}

type routingRequest struct {
	TaskCode  string `json:"task_code"`
	Area      string `json:"area"`
	OwnerRole string `json:"owner_role"`
	Priority  int    `json:"priority"`
}

func (s *Server) handleTaskRouting(w http.ResponseWriter, r *http.Request) {
	var req routingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rules, err := s.store.ListRoutingRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	engineRules := make([]routing.Rule, 0, len(rules))
	for _, rr := range rules {
		engineRules = append(engineRules, routing.Rule{RuleID: rr.RuleID, Condition: rr.Condition, TargetWorker: rr.TargetWorker})
	}

	attrs := routing.TaskAttrs{TaskCode: req.TaskCode, Area: req.Area, OwnerRole: req.OwnerRole, Priority: req.Priority}
	decision := routing.Decide(engineRules, attrs)

	inputJSON, _ := json.Marshal(attrs)
	outputJSON, _ := json.Marshal(decision)
	if err := s.store.InsertRoutingAudit(r.Context(), decision.TraceID, decision.Decision, string(inputJSON), string(outputJSON)); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"worker_type": decision.WorkerType,
		"decision":    decision.Decision,
		"trace_id":    decision.TraceID,
	})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	entries, err := s.store.ListDLQ(r.Context(), page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

func (s *Server) handleDLQGetByID(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetDLQByID(r.Context(), chi.URLParam(r, "dlq_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (s *Server) handleDLQGetByTaskCode(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetDLQByTaskCode(r.Context(), chi.URLParam(r, "task_code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (s *Server) handleDLQGetByMessageID(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetDLQByMessageID(r.Context(), chi.URLParam(r, "message_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

type dlqReplayRequest struct {
	DLQID string `json:"dlq_id"`
	Who   string `json:"who"`
	Why   string `json:"why"`
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	var req dlqReplayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DLQID == "" {
		writeError(w, errs.New(errs.KindValidation, errs.ReasonMissingParameter, "dlq_id is required"))
		return
	}
	task, err := s.store.ReplayDLQ(r.Context(), req.DLQID, req.Who, req.Why)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": task})
}

type registerAgentRequest struct {
	AgentID                  string   `json:"agent_id"`
	OwnerRole                string   `json:"owner_role"`
	Capabilities             []string `json:"capabilities"`
	AllowedTools             []string `json:"allowed_tools"`
	Capacity                 int      `json:"capacity"`
	CompletionLimitPerMinute int      `json:"completion_limit_per_minute"`
	WorkerType               string   `json:"worker_type"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if pathID := chi.URLParam(r, "agent_id"); pathID != "" {
		req.AgentID = pathID
	}
	if req.AgentID == "" || req.OwnerRole == "" {
		writeError(w, errs.New(errs.KindValidation, errs.ReasonMissingParameter, "agent_id and owner_role are required"))
		return
	}

	agent, err := s.store.RegisterAgent(r.Context(), store.Agent{
		AgentID:                  req.AgentID,
		OwnerRole:                req.OwnerRole,
		Capabilities:             req.Capabilities,
		AllowedTools:             req.AllowedTools,
		Capacity:                 req.Capacity,
		CompletionLimitPerMinute: req.CompletionLimitPerMinute,
		WorkerType:               req.WorkerType,
		Online:                   true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": agent})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agents": agents})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "agent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": agent})
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeregisterAgent(r.Context(), chi.URLParam(r, "agent_id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
