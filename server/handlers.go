package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/gateway"
	"github.com/petal-labs/flowrun/graph"
	"github.com/petal-labs/flowrun/loader"
	"github.com/petal-labs/flowrun/registry"
)

const (
	defaultLedgerPage = 100
	maxLedgerPage     = 1000
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns all registered node types.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, registry.New().All())
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	records, err := s.flows.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []FlowRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// readFlow reads and validates a JSON or YAML flow document from the body.
// It writes the error response itself and returns nil on failure.
func readFlow(w http.ResponseWriter, r *http.Request) *graph.FlowDef {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil
	}

	// The content type stands in for a file extension.
	name := "flow"
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		name = "flow.yaml"
	}
	fd, diags, err := loader.Parse(body, name)
	if err != nil {
		var de *graph.DiagnosticError
		if errors.As(err, &de) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "flow validation failed", diagMessages(diags)...)
			return nil
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil
	}
	return fd
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	fd := readFlow(w, r)
	if fd == nil {
		return
	}
	now := time.Now().UTC()
	rec := FlowRecord{
		ID:        fd.ID,
		Name:      fd.Metadata["name"],
		Flow:      fd,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.flows.Create(r.Context(), rec); err != nil {
		if errors.Is(err, ErrFlowExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("flow %q already exists", fd.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	s.logger.Info("flow created", "workflow_id", fd.ID, "nodes", len(fd.Nodes))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fd := readFlow(w, r)
	if fd == nil {
		return
	}
	if fd.ID != id {
		writeError(w, http.StatusBadRequest, "ID_MISMATCH", fmt.Sprintf("document id %q does not match path id %q", fd.ID, id))
		return
	}
	existing, ok, err := s.flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
		return
	}
	rec := FlowRecord{
		ID:        id,
		Name:      fd.Metadata["name"],
		Flow:      fd,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.flows.Update(r.Context(), rec); err != nil {
		if errors.Is(err, ErrFlowNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.flows.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrFlowNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartRunRequest is the body of POST /api/flows/{id}/runs.
type StartRunRequest struct {
	// Inputs are compile inputs; "provider" and "model" bind model calls.
	Inputs map[string]any `json:"inputs,omitempty"`
	// Vars seed the run's variables.
	Vars map[string]any `json:"vars,omitempty"`
}

// StartRunResponse is returned when a run is started.
type StartRunResponse struct {
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Status     core.RunStatus `json:"status"`
	Observed   bool           `json:"observed"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	rec, ok, err := s.flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
		return
	}

	spec, err := s.compiler.Compile(r.Context(), rec.Flow, compiler.Options{Inputs: req.Inputs})
	if err != nil {
		var de *graph.DiagnosticError
		if errors.As(err, &de) {
			writeError(w, http.StatusUnprocessableEntity, "COMPILE_ERROR", err.Error(), diagMessages(de.Diagnostics)...)
			return
		}
		if errors.Is(err, compiler.ErrFlowNotFound) {
			writeError(w, http.StatusUnprocessableEntity, "COMPILE_ERROR", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "COMPILE_ERROR", err.Error())
		return
	}

	runID, err := s.rt.Start(r.Context(), spec, req.Vars)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RUNTIME_ERROR", err.Error())
		return
	}
	s.logger.Info("run started", "run_id", runID, "workflow_id", spec.WorkflowID)

	observed := s.track(runID)
	writeJSON(w, http.StatusCreated, StartRunResponse{
		RunID:      runID,
		WorkflowID: spec.WorkflowID,
		Status:     core.StatusRunning,
		Observed:   observed,
	})
}

// RunResponse is the body of GET /api/runs/{run_id}.
type RunResponse struct {
	*core.RunState
	Children []string `json:"children,omitempty"`
	Observed bool     `json:"observed"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.rt.GetState(r.Context(), runID)
	if err != nil {
		writeRunError(w, runID, err)
		return
	}
	children, err := s.runs.ListChildren(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	resp := RunResponse{RunState: run, Observed: s.isTracked(runID)}
	for _, c := range children {
		resp.Children = append(resp.Children, c.RunID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// LedgerPage is one page of a run's ledger.
type LedgerPage struct {
	RunID   string              `json:"run_id"`
	Records []core.LedgerRecord `json:"records"`
	// Next is the cursor for the following page; it equals the request
	// cursor when the page is empty.
	Next int64 `json:"next"`
}

func (s *Server) handleRunLedger(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if s.ledger == nil {
		writeError(w, http.StatusNotImplemented, "NO_LEDGER", "ledger store not configured")
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "after must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultLedgerPage)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
		return
	}
	limit = min(limit, maxLedgerPage)

	if _, err := s.runs.Get(r.Context(), runID); err != nil {
		writeRunError(w, runID, err)
		return
	}
	records, err := s.ledger.List(r.Context(), runID, after, int(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	page := LedgerPage{RunID: runID, Records: records, Next: after}
	if page.Records == nil {
		page.Records = []core.LedgerRecord{}
	}
	if n := len(records); n > 0 {
		page.Next = records[n-1].Seq
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusNotImplemented, "NO_GATEWAY", "command gateway not configured")
		return
	}
	var cmd core.CommandRecord
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, gateway.CodeInvalidCommand, err.Error())
		return
	}
	// Inbox bookkeeping is server-assigned.
	cmd.Seq, cmd.AppliedAt, cmd.Outcome, cmd.Error = 0, nil, "", ""

	res, err := s.commands.Submit(r.Context(), cmd)
	if err != nil {
		var rej *gateway.RejectionError
		if errors.As(err, &rej) {
			writeError(w, rejectionStatus(rej.Code), rej.Code, rej.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, gateway.CodeInboxError, err.Error())
		return
	}
	if !res.Duplicate {
		s.wake(r.Context(), cmd.RunID)
	}
	writeJSON(w, http.StatusAccepted, res)
}

func rejectionStatus(code string) int {
	switch code {
	case gateway.CodeInvalidCommand:
		return http.StatusBadRequest
	case gateway.CodeUnknownRun:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

func writeRunError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, core.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func diagMessages(diags []graph.Diagnostic) []string {
	msgs := make([]string, 0, len(diags))
	for _, d := range graph.Errors(diags) {
		if d.Path != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s (%s)", d.Code, d.Message, d.Path))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return msgs
}

func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
