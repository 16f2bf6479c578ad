package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/butler/pkg/models"
)

// Sentinel markers framing a tool call embedded in model text.
const (
	StartToolCallMarker = "===tool_call==="
	EndToolCallMarker   = "===end_tool_call==="
)

// ParseEventType identifies what a StreamParser produced.
type ParseEventType int

const (
	ParseContent ParseEventType = iota
	ParseToolCall
	ParseMalformed
	ParseEnd
)

func (t ParseEventType) String() string {
	switch t {
	case ParseContent:
		return "content"
	case ParseToolCall:
		return "tool_call"
	case ParseMalformed:
		return "malformed"
	case ParseEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ParseEvent is a single output of the StreamParser.
type ParseEvent struct {
	Type ParseEventType

	// Content is set for ParseContent.
	Content string

	// ToolCall is set for ParseToolCall and ParseMalformed. Malformed calls
	// are custom error_tool records whose Input holds the raw payload.
	ToolCall *models.ToolCall
}

// StreamParser extracts marker-framed tool calls from streamed model text.
//
// Text that cannot be part of a marker is released as soon as it arrives.
// A buffer tail that could still grow into StartToolCallMarker is held back
// until the next delta decides it. Output is the same for any split of the
// input into deltas, apart from how content is fragmented.
//
// A StreamParser is not safe for concurrent use.
type StreamParser struct {
	buf     string
	content strings.Builder
	newID   func() string
	closed  bool
}

// NewStreamParser creates a parser that assigns "call_<uuid>" ids to
// extracted tool calls.
func NewStreamParser() *StreamParser {
	return &StreamParser{newID: newCallID}
}

func newCallID() string {
	return "call_" + uuid.NewString()
}

// Feed consumes one text delta and returns the events it completes.
func (p *StreamParser) Feed(delta string) []ParseEvent {
	if delta == "" || p.closed {
		return nil
	}
	p.buf += delta

	var events []ParseEvent
	for {
		start := strings.Index(p.buf, StartToolCallMarker)
		if start < 0 {
			keep := markerPrefixLen(p.buf, StartToolCallMarker)
			events = p.appendContent(events, p.buf[:len(p.buf)-keep])
			p.buf = p.buf[len(p.buf)-keep:]
			return events
		}
		if start > 0 {
			events = p.appendContent(events, p.buf[:start])
			p.buf = p.buf[start:]
		}

		body := p.buf[len(StartToolCallMarker):]
		end := strings.Index(body, EndToolCallMarker)
		if end < 0 {
			return events
		}
		inner := body[:end]
		p.buf = body[end+len(EndToolCallMarker):]
		events = append(events, p.decode(inner))
	}
}

// FeedToolCall passes through a tool call the provider assembled natively.
func (p *StreamParser) FeedToolCall(call models.ToolCall) ParseEvent {
	if call.Kind == "" {
		call.Kind = models.ToolCallFunction
	}
	if call.ID == "" {
		call.ID = p.newID()
	}
	return ParseEvent{Type: ParseToolCall, ToolCall: &call}
}

// Close releases any held-back text as content and ends the stream. An
// unterminated marker is treated as plain text.
func (p *StreamParser) Close() []ParseEvent {
	if p.closed {
		return nil
	}
	p.closed = true
	events := p.appendContent(nil, p.buf)
	p.buf = ""
	return append(events, ParseEvent{Type: ParseEnd})
}

// Content returns all text released so far, without tool call spans.
func (p *StreamParser) Content() string {
	return p.content.String()
}

func (p *StreamParser) appendContent(events []ParseEvent, text string) []ParseEvent {
	if text == "" {
		return events
	}
	p.content.WriteString(text)
	return append(events, ParseEvent{Type: ParseContent, Content: text})
}

func (p *StreamParser) decode(inner string) ParseEvent {
	call, err := decodeMarkerCall(inner)
	if err != nil {
		return ParseEvent{
			Type: ParseMalformed,
			ToolCall: &models.ToolCall{
				ID:    p.newID(),
				Kind:  models.ToolCallCustom,
				Name:  models.ErrorToolName,
				Input: inner,
			},
		}
	}
	call.ID = p.newID()
	return ParseEvent{Type: ParseToolCall, ToolCall: call}
}

var errMissingName = errors.New("tool call has no name")

func decodeMarkerCall(inner string) (*models.ToolCall, error) {
	var raw struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(inner)), &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.Name) == "" {
		return nil, errMissingName
	}
	args, err := models.ArgumentsString(raw.Arguments)
	if err != nil {
		return nil, err
	}
	return &models.ToolCall{
		Kind:      models.ToolCallFunction,
		Name:      raw.Name,
		Arguments: args,
	}, nil
}

// markerPrefixLen returns the length of the longest strict prefix of marker
// that s ends with.
func markerPrefixLen(s, marker string) int {
	for n := len(marker) - 1; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

// ParseStream drives a provider stream through a StreamParser, calling fn
// for every event in order. Native tool calls on the stream are passed
// through. It returns the first stream error, or ctx.Err() if the context
// ends first; no ParseEnd is delivered in either case.
func ParseStream(ctx context.Context, chunks <-chan *CompletionChunk, parser *StreamParser, fn func(ParseEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				for _, ev := range parser.Close() {
					fn(ev)
				}
				return nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				return chunk.Error
			}
			for _, ev := range parser.Feed(chunk.Text) {
				fn(ev)
			}
			if chunk.ToolCall != nil {
				fn(parser.FeedToolCall(*chunk.ToolCall))
			}
			if chunk.Done {
				for _, ev := range parser.Close() {
					fn(ev)
				}
				return nil
			}
		}
	}
}
