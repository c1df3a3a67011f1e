package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/abgoat/internal/engine"
	"github.com/gkobilansky/abgoat/internal/store"
)

const maxBodyBytes = 1 << 20

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	RunningCount  int    `json:"running_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
}

// AllocationRequest is the body of the allocation endpoint
type AllocationRequest struct {
	TrafficAllocation float64 `json:"traffic_allocation"`
}

// CompleteResponse carries the frozen test and its final verdict
type CompleteResponse struct {
	Test    *store.ABTest  `json:"test"`
	Verdict *store.Verdict `json:"verdict"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tests, err := s.engine.ListTests(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	running := 0
	for _, t := range tests {
		if t.Status == store.StatusRunning {
			running++
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TestsCount:    len(tests),
		RunningCount:  running,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// handleTrack is the public tracking endpoint. Browsers post to it directly.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	// Set CORS headers for all responses
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	// Handle preflight
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var ev engine.Event
	if !s.decode(w, r, &ev) {
		return
	}

	if err := s.engine.RecordEvent(r.Context(), ev); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.engine.ListTests(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tests == nil {
		tests = []*store.ABTest{}
	}
	writeJSON(w, http.StatusOK, tests)
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var spec engine.TestSpec
	if !s.decode(w, r, &spec) {
		return
	}

	test, err := s.engine.CreateTest(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/tests/"+test.ID)
	writeJSON(w, http.StatusCreated, test)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := s.engine.GetTest(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteTest(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Evaluate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleAction runs one lifecycle transition named by the last path segment.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var (
		test *store.ABTest
		err  error
	)
	switch action := r.PathValue("action"); action {
	case "start":
		test, err = s.engine.StartTest(ctx, id)
	case "pause":
		test, err = s.engine.PauseTest(ctx, id)
	case "resume":
		test, err = s.engine.ResumeTest(ctx, id)
	case "cancel":
		test, err = s.engine.CancelTest(ctx, id)
	case "complete":
		var v *store.Verdict
		test, v, err = s.engine.CompleteTest(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusOK, CompleteResponse{Test: test, Verdict: v})
			return
		}
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: apiError{
			Kind:    "not_found",
			Message: fmt.Sprintf("unknown action %q", action),
		}})
		return
	}

	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleSetAllocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if !s.decode(w, r, &req) {
		return
	}

	test, err := s.engine.SetTrafficAllocation(r.Context(), r.PathValue("id"), r.PathValue("variantID"), req.TrafficAllocation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

// decode reads a JSON body into v and answers 400 itself when it can't.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	err := dec.Decode(v)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("body must contain a single JSON object")
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: apiError{
			Kind:    "bad_request",
			Message: "invalid JSON: " + err.Error(),
		}})
		return false
	}
	return true
}

// writeError maps engine error kinds to status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr  *engine.ValidationError
		serr  *engine.InvalidStateError
		nferr *engine.NotFoundError
	)

	body := apiError{Message: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &verr):
		status, body.Kind, body.Problems = http.StatusBadRequest, "validation", verr.Problems
	case errors.As(err, &serr):
		status, body.Kind = http.StatusConflict, "invalid_state"
	case errors.As(err, &nferr):
		status, body.Kind = http.StatusNotFound, "not_found"
	case engine.IsStorage(err):
		body.Kind = "storage"
	default:
		body.Kind = "internal"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	writeJSON(w, status, errorBody{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
