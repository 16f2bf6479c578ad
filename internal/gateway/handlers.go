package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/butler/internal/agent"
	"github.com/haasonsaas/butler/internal/protocol"
	"github.com/haasonsaas/butler/pkg/models"
)

// handleTask starts a task and streams its events as NDJSON until the task
// ends or the client goes away.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req protocol.TaskRequest
	if err := s.decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.HistoryMessages) == 0 {
		writeMessage(w, http.StatusBadRequest, "Prompt is required")
		return
	}
	if req.ID != "" {
		if existing, ok := s.store.Get(req.ID); ok && !existing.Status().Terminal() {
			writeMessage(w, http.StatusConflict, "Task already running")
			return
		}
	}

	extra := make([]agent.ToolDefinition, 0, len(req.FunctionTools))
	for _, ft := range req.FunctionTools {
		name := strings.TrimSpace(ft.Function.Name)
		if name == "" {
			writeMessage(w, http.StatusBadRequest, "Function tool name is required")
			return
		}
		if err := agent.CheckParameters(ft.Function.Parameters); err != nil {
			s.logger.Debug("function tool rejected", "tool", name, "error", err)
			writeMessage(w, http.StatusBadRequest, "Invalid parameters for function tool "+name)
			return
		}
		extra = append(extra, agent.ToolDefinition{
			Name:        name,
			Description: ft.Function.Description,
			Parameters:  ft.Function.Parameters,
		})
	}

	task := s.service.NewTask(agent.TaskOptions{
		ID:         req.ID,
		Prompt:     req.Prompt,
		History:    req.HistoryMessages,
		ExtraTools: extra,
	})

	w.Header().Set("Content-Type", protocol.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sink := &eventSink{enc: protocol.NewEncoder(w)}
	unsubscribe := task.On(sink.write)
	defer unsubscribe()

	s.store.Put(task)
	defer s.store.Delete(task)

	logger := s.logger.With("task_id", task.ID())
	if err := task.Start(r.Context()); err != nil {
		logger.Error("task start failed", "error", err)
		sink.close()
		return
	}

	select {
	case <-task.Done():
	case <-r.Context().Done():
		logger.Info("client disconnected, stopping task")
		task.Stop()
	}
	sink.close()

	if err := sink.failure(); err != nil {
		logger.Debug("event stream write failed", "error", err)
	}
}

// eventSink writes task events to the response until the handler returns.
// Listeners may still fire after that, from Stop or a finishing round.
type eventSink struct {
	mu     sync.Mutex
	enc    *protocol.Encoder
	closed bool
	err    error
}

func (s *eventSink) write(ev models.TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.err = s.enc.EncodeEvent(ev)
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *eventSink) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// handleToolCallResult resumes a task waiting on a caller-side tool. An
// unknown call id is accepted and ignored.
func (s *Server) handleToolCallResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.ToolCallResult
	if err := s.decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TaskID == "" || req.CallID == "" {
		writeMessage(w, http.StatusBadRequest, "taskId and callId are required")
		return
	}

	task, ok := s.store.Get(req.TaskID)
	if !ok {
		writeMessage(w, http.StatusNotFound, "Task not found")
		return
	}

	var result any
	if len(req.Result) > 0 && string(req.Result) != "null" {
		result = req.Result
	}
	if !task.ResolveToolCall(req.CallID, result) {
		s.logger.Debug("no pending tool call", "task_id", req.TaskID, "call_id", req.CallID)
	}
	writeMessage(w, http.StatusOK, "success")
}

// handleGenerateText answers a one-shot completion as plain text.
func (s *Server) handleGenerateText(w http.ResponseWriter, r *http.Request) {
	var req protocol.GenerateTextRequest
	if err := s.decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeMessage(w, http.StatusBadRequest, "Prompt is required")
		return
	}

	text, err := s.service.GenerateText(r.Context(), req.HistoryMessages, req.Prompt)
	if err != nil {
		s.logger.Error("generate text failed", "error", err)
		writeMessage(w, http.StatusBadGateway, "Failed to generate text")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text)) //nolint:errcheck
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.MessageResponse{Message: message})
}
