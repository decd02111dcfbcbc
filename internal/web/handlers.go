package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"admitq/internal/admission"
	"admitq/internal/executor"
	"admitq/internal/history"
	"admitq/internal/models"
	"admitq/internal/scheduler"

	"github.com/go-chi/chi/v5"
)

const maxRequestBytes = 1 << 20

type submitRequest struct {
	Job         string   `json:"job"`
	Args        []string `json:"args,omitempty"`
	TaskType    string   `json:"task_type,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Description string   `json:"description,omitempty"`
	TaskID      string   `json:"task_id,omitempty"`
}

type taskResponse struct {
	models.TaskRecord
	QueuePosition int `json:"queue_position,omitempty"`
}

type admissionResponse struct {
	TaskType models.TaskType `json:"task_type"`
	CanRun   bool            `json:"can_run"`
	Reason   string          `json:"reason"`
}

type streamTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type resourcesResponse struct {
	Resources admission.Summary      `json:"resources"`
	Queue     *scheduler.QueueStatus `json:"queue,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.summary(w, r)
	if !ok {
		return
	}
	status := s.sched.GetQueueStatus(queueScope(r))
	writeJSON(w, http.StatusOK, resourcesResponse{Resources: summary, Queue: &status})
}

func (s *Server) handleResourcesOnly(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.summary(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resourcesResponse{Resources: summary})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) (admission.Summary, bool) {
	summary, err := s.sched.ResourceSummary(r.Context())
	if err != nil {
		s.logger.Warn("Resource summary unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "resources unavailable")
		return admission.Summary{}, false
	}
	return summary, true
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.GetQueueStatus(queueScope(r)))
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	taskType, err := models.ParseTaskType(chi.URLParam(r, "taskType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, reason := s.sched.CanRunTask(r.Context(), taskType)
	writeJSON(w, http.StatusOK, admissionResponse{TaskType: taskType, CanRun: ok, Reason: reason})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, []executor.Definition{})
		return
	}
	names := s.catalog.Names()
	defs := make([]executor.Definition, 0, len(names))
	for _, name := range names {
		def, _ := s.catalog.Lookup(name)
		// Command lines stay server-side.
		defs = append(defs, executor.Definition{Name: def.Name, TaskType: def.TaskType, Timeout: def.Timeout})
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotFound, "no job catalog configured")
		return
	}
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, def, err := s.catalog.Build(strings.TrimSpace(req.Job), req.Args)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	taskType := def.TaskType
	if req.TaskType != "" {
		if taskType, err = models.ParseTaskType(req.TaskType); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id, _ := IdentityFromContext(r.Context())
	opts := []scheduler.SubmitOption{
		scheduler.WithUserID(id.UserID),
		scheduler.WithDescription(req.Description),
	}
	if req.TaskID != "" {
		opts = append(opts, scheduler.WithTaskID(req.TaskID))
	}
	res, err := s.sched.Submit(r.Context(), taskType, job, req.Priority, opts...)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("Task submitted", "task_id", res.TaskID, "job", def.Name, "task_type", taskType, "queued", res.Queued, "user_id", id.UserID)
	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// handleGetTask answers 404 for tasks the caller does not own.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	rec, err := s.sched.GetTask(taskID)
	id, _ := IdentityFromContext(r.Context())
	if err != nil || (!id.Admin && !rec.OwnedBy(id.UserID)) {
		writeError(w, http.StatusNotFound, "unknown task: "+taskID)
		return
	}
	pos, _ := s.sched.QueuePosition(taskID)
	writeJSON(w, http.StatusOK, taskResponse{TaskRecord: rec, QueuePosition: pos})
}

func (s *Server) handleStreamToken(w http.ResponseWriter, r *http.Request) {
	if !s.tokens.Enabled() {
		writeError(w, http.StatusNotFound, "stream tokens require an auth secret")
		return
	}
	id, _ := IdentityFromContext(r.Context())
	token, expires, err := s.tokens.IssueStream(id)
	if err != nil {
		s.logger.Error("Failed to issue stream token", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, streamTokenResponse{Token: token, ExpiresAt: expires})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history archive not configured")
		return
	}
	query := r.URL.Query()
	f := history.Filter{
		UserID: strings.TrimSpace(query.Get("user_id")),
		Status: models.TaskStatus(strings.ToUpper(strings.TrimSpace(query.Get("status")))),
	}
	if id, _ := IdentityFromContext(r.Context()); !id.Admin {
		f.UserID = id.UserID
	}
	if f.Status != "" && !f.Status.Terminal() {
		writeError(w, http.StatusBadRequest, "status must be COMPLETED or FAILED")
		return
	}
	if val := query.Get("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	records, err := s.history.List(r.Context(), f)
	if err != nil {
		s.logger.Error("History query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if records == nil {
		records = []models.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.ClearCompleted(r.Context())
	if err != nil {
		s.logger.Error("Clear completed failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// queueScope is the user ID handed to GetQueueStatus; empty lists every
// task.
func queueScope(r *http.Request) string {
	id, _ := IdentityFromContext(r.Context())
	if id.Admin {
		return ""
	}
	return id.UserID
}
