package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/mailos/pkg/mailos/checker"
	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
	"github.com/jholhewres/mailos/pkg/mailos/scheduler"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Kind    string `json:"kind,omitempty"`
	} `json:"error"`
}

type checkerView struct {
	scheduler.CheckerStatus
	State string `json:"state"`
}

type runResponse struct {
	Checker string         `json:"checker"`
	Report  checker.Report `json:"report"`
}

type taskRunResponse struct {
	Checker string             `json:"checker"`
	Report  checker.TaskReport `json:"report"`
}

type processedView struct {
	MessageKey  string    `json:"message_key"`
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeErrorKind(w, msg, "", code)
}

func writeErrorKind(w http.ResponseWriter, msg, kind string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	resp.Error.Kind = kind
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func view(st scheduler.CheckerStatus) checkerView {
	return checkerView{CheckerStatus: st, State: st.State()}
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	counts := map[string]int{}
	for _, st := range g.ctl.Statuses() {
		counts[st.State()]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  g.version,
		"uptime":   uptime,
		"checkers": counts,
	})
}

// handleListCheckers implements GET /api/checkers.
func (g *Gateway) handleListCheckers(w http.ResponseWriter, _ *http.Request) {
	statuses := g.ctl.Statuses()
	out := make([]checkerView, len(statuses))
	for i, st := range statuses {
		out[i] = view(st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkers": out})
}

// handleGetChecker implements GET /api/checkers/{id}.
func (g *Gateway) handleGetChecker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := g.ctl.Status(id)
	if !ok {
		writeError(w, "checker not found: "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view(st))
}

// handleRunChecker implements POST /api/checkers/{id}/run. The tick
// outlives a disconnecting client.
func (g *Gateway) handleRunChecker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := g.ctl.RunNow(context.WithoutCancel(r.Context()), id)
	switch {
	case err == nil:
		g.logger.Info("manual tick", "checker", id, "processed", rep.Processed())
		writeJSON(w, http.StatusOK, runResponse{Checker: id, Report: rep})
	case errors.Is(err, scheduler.ErrUnknownChecker):
		writeError(w, "checker not found: "+id, http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrSuspended),
		errors.Is(err, scheduler.ErrDisabled):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeErrorKind(w, err.Error(), mailerr.Kind(err), http.StatusBadGateway)
	}
}

// handleRunTask implements POST /api/checkers/{id}/tasks/{task}/run.
func (g *Gateway) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, task := chi.URLParam(r, "id"), chi.URLParam(r, "task")
	rep, err := g.ctl.RunTaskNow(context.WithoutCancel(r.Context()), id, task)
	switch {
	case err == nil:
		g.logger.Info("manual task run", "checker", id, "task", task, "tool_calls", rep.ToolCalls)
		writeJSON(w, http.StatusOK, taskRunResponse{Checker: id, Report: rep})
	case errors.Is(err, scheduler.ErrUnknownChecker), errors.Is(err, scheduler.ErrUnknownTask):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrSuspended),
		errors.Is(err, scheduler.ErrDisabled):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeErrorKind(w, err.Error(), mailerr.Kind(err), http.StatusBadGateway)
	}
}

// handleProcessed implements GET /api/checkers/{id}/processed?limit=N.
func (g *Gateway) handleProcessed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := g.ctl.Status(id); !ok {
		writeError(w, "checker not found: "+id, http.StatusNotFound)
		return
	}
	if g.history == nil {
		writeError(w, "processed history is not available", http.StatusNotImplemented)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	recs, err := g.history.Recent(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("listing processed messages failed", "checker", id, "error", err)
		writeError(w, "listing processed messages failed", http.StatusInternalServerError)
		return
	}
	out := make([]processedView, len(recs))
	for i, rec := range recs {
		out[i] = processedView{MessageKey: rec.MessageKey, Outcome: string(rec.Outcome), ProcessedAt: rec.ProcessedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checker": id, "processed": out})
}
