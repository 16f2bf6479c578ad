package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/haasonsaas/butler/pkg/models"
)

// ContentType is the media type of a task stream.
const ContentType = "application/x-ndjson"

// ErrMalformedRecord is returned for stream lines that are not records.
var ErrMalformedRecord = errors.New("malformed stream record")

// Encoder writes records, one per line. It flushes after every record when
// the writer supports it, and is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes rec followed by a newline.
func (e *Encoder) Encode(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if f, ok := e.w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}

// EncodeEvent writes the wire form of ev.
func (e *Encoder) EncodeEvent(ev models.TaskEvent) error {
	return e.Encode(FromEvent(ev))
}

// Decoder reads records from a stream. Blank lines are skipped, so streams
// separated by "\n\n" decode the same as plain NDJSON.
type Decoder struct {
	r     *bufio.Reader
	merge bool

	pending *Record
	err     error
}

// NewDecoder returns a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// MergeContent makes Next join adjacent content records of the same round
// when they have already arrived.
func (d *Decoder) MergeContent() *Decoder {
	d.merge = true
	return d
}

// Next returns the next record, or io.EOF at the end of the stream.
func (d *Decoder) Next() (Record, error) {
	if d.pending != nil {
		rec := *d.pending
		d.pending = nil
		return d.coalesce(rec), nil
	}
	if d.err != nil {
		return Record{}, d.err
	}
	rec, err := d.read()
	if err != nil {
		return Record{}, err
	}
	return d.coalesce(rec), nil
}

func (d *Decoder) coalesce(rec Record) Record {
	if !d.merge || rec.Type != models.TaskEventContent {
		return rec
	}
	for d.buffered() {
		next, err := d.read()
		if err != nil {
			d.err = err
			break
		}
		if next.Type == models.TaskEventContent && next.ChatID == rec.ChatID {
			rec.Content += next.Content
			continue
		}
		d.pending = &next
		break
	}
	return rec
}

// buffered reports whether unread record bytes are already in memory.
func (d *Decoder) buffered() bool {
	for d.r.Buffered() > 0 {
		b, err := d.r.Peek(1)
		if err != nil {
			return false
		}
		switch b[0] {
		case '\n', '\r', ' ', '\t':
			_, _ = d.r.ReadByte()
		default:
			return true
		}
	}
	return false
}

func (d *Decoder) read() (Record, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec Record
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, uerr)
			}
			if rec.Type == "" {
				return Record{}, fmt.Errorf("%w: missing type", ErrMalformedRecord)
			}
			return rec, nil
		}
		if err != nil {
			return Record{}, err
		}
	}
}

// Coalesce joins adjacent content records of the same round.
func Coalesce(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if n := len(out); n > 0 && rec.Type == models.TaskEventContent &&
			out[n-1].Type == models.TaskEventContent && out[n-1].ChatID == rec.ChatID {
			out[n-1].Content += rec.Content
			continue
		}
		out = append(out, rec)
	}
	return out
}
