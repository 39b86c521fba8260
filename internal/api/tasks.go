package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"disburse/internal/domain"
	"disburse/internal/queue"
)

type taskResp struct {
	ID             string          `json:"id"`
	Kind           domain.Kind     `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         domain.Status   `json:"status"`
	Attempt        int             `json:"attempt"`
	Version        int             `json:"version"`
	CorrelationKey string          `json:"correlationKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ScheduledFor   time.Time       `json:"scheduledFor"`
	Message        string          `json:"message"`
}

func toTaskResp(t domain.Task) taskResp {
	payload := json.RawMessage(t.Payload)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(t.Payload))
	}
	return taskResp{
		ID:             t.ID,
		Kind:           t.Kind,
		Payload:        payload,
		Status:         t.Status,
		Attempt:        t.Attempt,
		Version:        t.Version,
		CorrelationKey: t.CorrelationKey,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		ScheduledFor:   t.ScheduledFor,
		Message:        t.Message,
	}
}

type listTasksResp struct {
	Tasks    []taskResp `json:"tasks"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

type historyResp struct {
	ID        string        `json:"id"`
	Status    domain.Status `json:"status"`
	Attempt   int           `json:"attempt"`
	Message   string        `json:"message"`
	Actor     string        `json:"actor"`
	Node      string        `json:"node"`
	CreatedAt time.Time     `json:"createdAt"`
}

type updateTaskReq struct {
	Status  domain.Status `json:"status"`
	Message string        `json:"message"`
}

// actor names who changed a task through the admin API.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "api"
}

func parseFilter(r *http.Request) (queue.Filter, *errorResp) {
	q := r.URL.Query()
	var f queue.Filter
	for _, v := range q["status"] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			st, err := domain.ParseStatus(part)
			if err != nil {
				return f, &errorResp{Msg: err.Error(), Field: "status"}
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := q.Get("kind"); v != "" {
		k, err := domain.ParseKind(v)
		if err != nil {
			return f, &errorResp{Msg: err.Error(), Field: "kind"}
		}
		f.Kind = k
	}
	if v := q.Get("after"); v != "" {
		after, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, &errorResp{Msg: "after must be an RFC 3339 timestamp", Field: "after"}
		}
		f.After = after
	}
	f.Page, f.PageSize = 1, 20
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, &errorResp{Msg: "page must be a positive integer", Field: "page"}
		}
		f.Page = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return f, &errorResp{Msg: "pageSize must be between 1 and 500", Field: "pageSize"}
		}
		f.PageSize = n
	}
	return f, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f, ferr := parseFilter(r)
	if ferr != nil {
		writeJSON(w, http.StatusBadRequest, ferr)
		return
	}
	tasks, total, err := queue.New(s.db).List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := listTasksResp{Tasks: make([]taskResp, 0, len(tasks)), Total: total, Page: f.Page, PageSize: f.PageSize}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toTaskResp(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := queue.New(s.db).Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResp(t))
}

func (s *Server) rerunTask(w http.ResponseWriter, r *http.Request) {
	t, err := queue.New(s.db).Rerun(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResp(t))
}

// updateTask overrides status and message. A task set to FAIL is retried
// after the delay its kind's policy gives the next attempt; one set back to
// IN_PROGRESS runs right away.
func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if _, err := domain.ParseStatus(string(req.Status)); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Msg: err.Error(), Field: "status"})
		return
	}

	id := chi.URLParam(r, "id")
	tasks := queue.New(s.db)
	current, err := tasks.Get(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	var next time.Time
	switch req.Status {
	case domain.StatusFail:
		next = time.Now().Add(s.policies.For(current.Kind).Delay(current.Attempt + 1))
	case domain.StatusInProgress:
		next = time.Now()
	}
	t, err := tasks.Update(r.Context(), id, req.Status, req.Message, next, actor(r))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResp(t))
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tasks := queue.New(s.db)
	if _, err := tasks.Get(r.Context(), id); err != nil {
		writeTaskError(w, err)
		return
	}
	history, err := tasks.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]historyResp, 0, len(history))
	for _, h := range history {
		resp = append(resp, historyResp{
			ID:        h.ID,
			Status:    h.Status,
			Attempt:   h.Attempt,
			Message:   h.Message,
			Actor:     h.Actor,
			Node:      h.Node,
			CreatedAt: h.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, queue.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
