package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/graphview"
	"github.com/dshills/pipecore/pipeline/orchestrator"
	"github.com/dshills/pipecore/pipeline/store"
)

type interruptRequest struct {
	Type            pipeline.InterruptType `json:"type"`
	PlanExecutionID string                 `json:"planExecutionId"`
	NodeExecutionID string                 `json:"nodeExecutionId,omitempty"`
	Parameters      map[string]string      `json:"parameters,omitempty"`
}

type completionRequest struct {
	NodeExecutionID string                `json:"nodeExecutionId"`
	Status          pipeline.Status       `json:"status"`
	FailureInfo     *pipeline.FailureInfo `json:"failureInfo,omitempty"`
}

type adviseBody struct {
	Type                 pipeline.AdviseType `json:"type"`
	WaitIntervalSeconds  float64             `json:"waitIntervalSeconds,omitempty"`
	RetryNodeExecutionID string              `json:"retryNodeExecutionId,omitempty"`
	NextNodeID           string              `json:"nextNodeId,omitempty"`
}

type completionResponse struct {
	Applied bool            `json:"applied"`
	Status  pipeline.Status `json:"status"`
	NodeID  string          `json:"nodeExecutionId"`
	Advise  *adviseBody     `json:"advise,omitempty"`
}

type errorBody struct {
	Error     string              `json:"error"`
	Interrupt *pipeline.Interrupt `json:"interrupt,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// newHandler serves the control API, health and metrics.
//
//	POST /v1/interrupts               register an interrupt
//	POST /v1/completions              report a node completion
//	GET  /v1/nodes/{id}/advise        advise for a failed node
//	GET  /v1/plans/{id}/graph         ?mode=tree|adjacency&start=<node id>
//	GET  /healthz
//	GET  /metrics
func newHandler(svc *orchestrator.Service, st store.Store, registry *prometheus.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/interrupts", func(w http.ResponseWriter, r *http.Request) {
		var req interruptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
			return
		}
		in, err := svc.RegisterInterrupt(r.Context(), req.Type, req.PlanExecutionID, req.NodeExecutionID, req.Parameters)
		if err != nil {
			body := errorBody{Error: err.Error()}
			if in.ID != "" {
				body.Interrupt = &in
			}
			writeJSON(w, statusFor(err), body)
			return
		}
		writeJSON(w, http.StatusCreated, in)
	})

	mux.HandleFunc("POST /v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
			return
		}
		res, err := svc.HandleCompletion(r.Context(), orchestrator.Completion{
			NodeExecutionID: req.NodeExecutionID,
			Status:          req.Status,
			FailureInfo:     req.FailureInfo,
		})
		if err != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, completionResponse{
			Applied: res.Applied,
			Status:  res.Node.Status,
			NodeID:  res.Node.ID,
			Advise:  renderAdvise(res.Advise),
		})
	})

	mux.HandleFunc("GET /v1/nodes/{id}/advise", func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.AdviseOnFailure(r.Context(), r.PathValue("id"))
		if err != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, renderAdvise(a))
	})

	mux.HandleFunc("GET /v1/plans/{id}/graph", func(w http.ResponseWriter, r *http.Request) {
		mode := graphview.Mode(r.URL.Query().Get("mode"))
		if mode == "" {
			mode = graphview.ModeTree
		}
		g, err := svc.ReconstructGraph(r.Context(), r.PathValue("id"), r.URL.Query().Get("start"), mode)
		if err != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, g)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := st.(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, pipeline.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInterruptConflict):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, pipeline.ErrUnsupportedInterrupt):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func renderAdvise(a pipeline.Advise) *adviseBody {
	switch v := a.(type) {
	case nil:
		return nil
	case pipeline.RetryAdvise:
		return &adviseBody{Type: v.Type(), WaitIntervalSeconds: v.WaitInterval.Seconds(), RetryNodeExecutionID: v.RetryNodeExecutionID}
	case pipeline.NextStepAdvise:
		return &adviseBody{Type: v.Type(), NextNodeID: v.NextNodeID}
	default:
		return &adviseBody{Type: a.Type()}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
