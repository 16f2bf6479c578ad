package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/butler/internal/protocol"
	"github.com/haasonsaas/butler/pkg/models"
)

// ErrSessionRunning is returned by Send while a previous send is streaming.
var ErrSessionRunning = errors.New("session is already running")

// Status is the lifecycle state of a session's current task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusStopped  Status = "stopped"
)

// CallState tracks one tool call of an assistant message.
type CallState struct {
	Call protocol.ToolCall

	// Remote is true when the gateway runs the tool.
	Remote  bool
	Running bool
	Result  *ToolResult
}

// Message is a conversation entry as a UI shows it.
type Message struct {
	ID      string
	Role    models.Role
	Content string
	Running bool

	// TruncateHistory marks a system message that starts the history sent
	// with later tasks.
	TruncateHistory bool

	ToolCalls []*CallState
}

func (m *Message) clone() Message {
	out := *m
	out.ToolCalls = make([]*CallState, len(m.ToolCalls))
	for i, c := range m.ToolCalls {
		cp := *c
		if c.Result != nil {
			r := *c.Result
			cp.Result = &r
		}
		out.ToolCalls[i] = &cp
	}
	return out
}

// EventType identifies a session change.
type EventType string

const (
	EventStatus         EventType = "change-status"
	EventMessageList    EventType = "change-message-list"
	EventMessageRunning EventType = "change-message-running"
	EventMessageContent EventType = "change-message-content"
	EventCallList       EventType = "change-function-call-list"
	EventCall           EventType = "change-function-call"
)

// Event describes one session change. Only the fields relevant to Type are
// set; Call is a copy.
type Event struct {
	Type      EventType
	Status    Status
	MessageID string
	Running   bool
	Content   string
	Call      *CallState
}

// Session keeps a conversation with a gateway across tasks. Each Send runs
// one task; caller-side tools offered through the ToolManager run while the
// task streams.
type Session struct {
	client *Client
	tools  *ToolManager

	mu       sync.Mutex
	taskID   string
	status   Status
	pick     []string
	messages []*Message
	cancel   context.CancelFunc
	seq      int

	listenerMu sync.Mutex
	listeners  []sessionListener
	nextID     int
}

type sessionListener struct {
	id int
	fn func(Event)
}

// NewSession creates a pending session. A nil tools offers no caller-side
// tools.
func NewSession(c *Client, tools *ToolManager) *Session {
	if tools == nil {
		tools = NewToolManager()
	}
	return &Session{client: c, tools: tools, status: StatusPending}
}

// SetPickTools limits the caller-side tools offered with later tasks. Nil
// offers all of them.
func (s *Session) SetPickTools(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if names == nil {
		s.pick = nil
		return
	}
	s.pick = append([]string{}, names...)
}

// TaskID returns the id of the latest task, or "" before the first start.
func (s *Session) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// Status returns the state of the latest task.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Messages returns a copy of the conversation.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// On registers a listener and returns a function that removes it.
// Listeners run synchronously and must not call back into Send.
func (s *Session) On(fn func(Event)) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, sessionListener{id: id, fn: fn})
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) emit(events ...Event) {
	s.listenerMu.Lock()
	listeners := append([]sessionListener(nil), s.listeners...)
	s.listenerMu.Unlock()
	for _, ev := range events {
		for _, l := range listeners {
			l.fn(ev)
		}
	}
}

// AddSystemMessage appends a system message. With truncateHistory set,
// later tasks receive history starting at this message.
func (s *Session) AddSystemMessage(content string, truncateHistory bool) {
	s.mu.Lock()
	s.messages = append(s.messages, &Message{
		ID:              s.newID("system"),
		Role:            models.RoleSystem,
		Content:         content,
		TruncateHistory: truncateHistory,
	})
	s.mu.Unlock()
	s.emit(Event{Type: EventMessageList})
}

func (s *Session) newID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixMilli(), s.seq)
}

// Send starts a task for prompt with the session history and blocks until
// its stream ends. Caller-side tool calls are executed and reported while
// it streams. Whatever is still running when the stream fails is settled
// and the session is marked stopped.
func (s *Session) Send(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return ErrSessionRunning
	}
	s.status = StatusRunning
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	req := protocol.TaskRequest{
		ID:              s.taskID,
		Prompt:          prompt,
		HistoryMessages: s.historyLocked(true),
		FunctionTools:   s.tools.Tools(s.pick),
	}
	s.mu.Unlock()
	s.emit(Event{Type: EventStatus, Status: StatusRunning})

	var wg sync.WaitGroup
	err := s.client.StartTask(runCtx, req, func(rec protocol.Record) {
		s.handle(runCtx, &wg, prompt, rec)
	})
	cancel()
	wg.Wait()

	if s.Status() == StatusRunning {
		s.endAll()
	}
	return err
}

// Stop aborts the running task stream.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	running := s.status == StatusRunning
	s.mu.Unlock()
	if running && cancel != nil {
		cancel()
	}
}

func (s *Session) handle(ctx context.Context, wg *sync.WaitGroup, prompt string, rec protocol.Record) {
	switch rec.Type {
	case models.TaskEventStart:
		s.mu.Lock()
		s.taskID = rec.TaskID
		s.messages = append(s.messages, &Message{ID: s.newID("user"), Role: models.RoleUser, Content: prompt})
		s.mu.Unlock()
		s.emit(Event{Type: EventMessageList})
	case models.TaskEventFinish:
		s.setStatus(StatusFinished)
	case models.TaskEventStartRound:
		s.mu.Lock()
		s.messages = append(s.messages, &Message{ID: rec.ChatID, Role: models.RoleAssistant, Running: true})
		s.mu.Unlock()
		s.emit(Event{Type: EventMessageList})
	case models.TaskEventEndRound:
		s.endAssistant(rec.ChatID)
	case models.TaskEventContent:
		s.mu.Lock()
		msg := s.assistant(rec.ChatID)
		if msg == nil {
			s.mu.Unlock()
			return
		}
		msg.Content += rec.Content
		content := msg.Content
		s.mu.Unlock()
		s.emit(Event{Type: EventMessageContent, MessageID: rec.ChatID, Content: content})
	case models.TaskEventStartCall:
		if rec.ToolCall != nil {
			s.startCall(ctx, wg, rec.ChatID, *rec.ToolCall)
		}
	case models.TaskEventEndCall:
		var result any
		if len(rec.Result) > 0 {
			result = decodeResult(rec.Result)
		}
		s.endCall(rec.ChatID, rec.ToolCallID, result)
	case models.TaskEventError:
		s.endAll()
	}
}

// assistant finds the latest assistant message with id. Callers hold mu.
func (s *Session) assistant(id string) *Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == models.RoleAssistant && m.ID == id {
			return m
		}
	}
	return nil
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.emit(Event{Type: EventStatus, Status: status})
}

func (s *Session) endAssistant(id string) {
	s.mu.Lock()
	msg := s.assistant(id)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.Running = false
	s.mu.Unlock()
	s.emit(Event{Type: EventMessageRunning, MessageID: id, Running: false})
}

func (s *Session) startCall(ctx context.Context, wg *sync.WaitGroup, chatID string, call protocol.ToolCall) {
	remote := !s.tools.Has(call.Function.Name)
	kind := ResultData
	if s.tools.IsRender(call.Function.Name) {
		kind = ResultRender
	}
	state := &CallState{Call: call, Remote: remote, Running: true, Result: &ToolResult{Kind: kind}}

	s.mu.Lock()
	msg := s.assistant(chatID)
	if msg != nil {
		msg.ToolCalls = append(msg.ToolCalls, state)
	}
	s.mu.Unlock()
	if msg != nil {
		s.emit(Event{Type: EventCallList, MessageID: chatID})
	}
	if remote {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		res := s.tools.Execute(ctx, call)

		s.mu.Lock()
		state.Running = false
		state.Result = &res
		snapshot := *state
		taskID := s.taskID
		s.mu.Unlock()
		s.emit(Event{Type: EventCall, MessageID: chatID, Call: &snapshot})

		if err := s.client.ReportToolCallResult(ctx, taskID, call.ID, res.Content); err != nil {
			s.client.logger.Warn("report tool call result failed", "task_id", taskID, "call_id", call.ID, "error", err)
		}
	}()
}

func (s *Session) endCall(chatID, callID string, result any) {
	s.mu.Lock()
	msg := s.assistant(chatID)
	var snapshot *CallState
	if msg != nil {
		for _, c := range msg.ToolCalls {
			if c.Call.ID == callID && c.Running {
				c.Running = false
				c.Result = &ToolResult{Kind: ResultData, Content: result}
				cp := *c
				snapshot = &cp
				break
			}
		}
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.emit(Event{Type: EventCall, MessageID: chatID, Call: snapshot})
	}
}

// endAll settles the last assistant message and its running calls, then
// marks the session stopped.
func (s *Session) endAll() {
	s.mu.Lock()
	var last *Message
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == models.RoleAssistant {
		last = s.messages[n-1]
	}
	var running bool
	var calls []string
	if last != nil {
		running = last.Running
		for _, c := range last.ToolCalls {
			if c.Running {
				calls = append(calls, c.Call.ID)
			}
		}
	}
	s.mu.Unlock()

	if last != nil {
		if running {
			s.endAssistant(last.ID)
		}
		for _, id := range calls {
			s.endCall(last.ID, id, nil)
		}
	}
	s.setStatus(StatusStopped)
}

// History exports the conversation in the form tasks accept. With truncate
// set it starts at the latest system message marked TruncateHistory.
func (s *Session) History(truncate bool) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(truncate)
}

func (s *Session) historyLocked(truncate bool) []models.Message {
	start := 0
	if truncate {
		for i := len(s.messages) - 1; i >= 0; i-- {
			if m := s.messages[i]; m.Role == models.RoleSystem && m.TruncateHistory {
				start = i
				break
			}
		}
	}

	var out []models.Message
	for _, m := range s.messages[start:] {
		if m.Role != models.RoleAssistant {
			out = append(out, models.Message{Role: m.Role, Content: m.Content})
			continue
		}
		msg := models.Message{Role: models.RoleAssistant, Content: m.Content}
		for _, c := range m.ToolCalls {
			call, err := c.Call.ModelToolCall()
			if err != nil {
				call = models.ToolCall{ID: c.Call.ID, Kind: models.ToolCallFunction, Name: c.Call.Function.Name, Arguments: string(c.Call.Function.Arguments)}
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		out = append(out, msg)
		for _, c := range m.ToolCalls {
			out = append(out, models.Message{Role: models.RoleTool, ToolCallID: c.Call.ID, Content: resultText(c.Result)})
		}
	}
	return out
}

// resultText renders a call result as tool message content.
func resultText(r *ToolResult) string {
	if r == nil || r.Content == nil {
		return "success"
	}
	switch v := r.Content.(type) {
	case string:
		return v
	case json.RawMessage:
		return string(v)
	}
	data, err := json.Marshal(r.Content)
	if err != nil {
		return fmt.Sprint(r.Content)
	}
	return string(data)
}

// decodeResult turns a streamed result into a Go value; JSON strings
// become strings.
func decodeResult(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
