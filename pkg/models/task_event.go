package models

// TaskEventType identifies a task lifecycle event.
type TaskEventType string

const (
	TaskEventStart      TaskEventType = "start"
	TaskEventStartRound TaskEventType = "start-round"
	TaskEventEndRound   TaskEventType = "end-round"
	TaskEventContent    TaskEventType = "content"
	TaskEventStartCall  TaskEventType = "start_call"
	TaskEventEndCall    TaskEventType = "end_call"
	TaskEventFinish     TaskEventType = "finish"
	TaskEventError      TaskEventType = "error"
)

// Terminal reports whether no further events follow this one.
func (t TaskEventType) Terminal() bool {
	return t == TaskEventFinish || t == TaskEventError
}

// TaskEvent is a single emission of a running task. Only the fields relevant
// to Type are populated.
type TaskEvent struct {
	Type TaskEventType

	// TaskID is set on start events.
	TaskID string

	// ChatID identifies the round the event belongs to.
	ChatID string

	// Content carries an incremental text fragment.
	Content string

	// ToolCall is set on start_call events. Arguments stay string-encoded.
	ToolCall *ToolCall

	// ToolCallID and Result are set on end_call events.
	ToolCallID string
	Result     any

	// Err describes why an error event was emitted. It never leaves the
	// process on the wire.
	Err error
}

// Clone returns a copy that shares no mutable state with e.
func (e TaskEvent) Clone() TaskEvent {
	out := e
	if e.ToolCall != nil {
		tc := *e.ToolCall
		out.ToolCall = &tc
	}
	return out
}
