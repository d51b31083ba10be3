package codex

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// tailLineCapacity bounds the ring of recent raw lines kept for diagnostics.
const tailLineCapacity = 5

// agentMessageType is the item discriminator carrying response text.
const agentMessageType = "agent_message"

// turnCompletedType is the soft turn-completion marker. It does not end
// the stream; the child keeps the pipe open until it actually exits.
const turnCompletedType = "turn.completed"

// Record is one JSON object decoded from the child's output stream.
// Fields the bridge doesn't recognize are retained in Raw.
type Record struct {
	Type      string      `json:"type"`
	ThreadID  string      `json:"thread_id"`
	SessionID string      `json:"session_id"`
	Item      *RecordItem `json:"item"`

	Raw json.RawMessage `json:"-"`
}

// RecordItem is the nested item payload of a record.
type RecordItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StreamDecoder extracts complete JSON records from a partially-buffered
// byte stream. Feed may be called with arbitrary, possibly mid-record,
// fragments; partial bytes are preserved across calls and non-JSON noise
// between records is discarded. One decoder serves exactly one child run.
type StreamDecoder struct {
	buf      string
	pending  string // current line fragment, for tail tracking
	tail     []string
	session  string
	response strings.Builder
	turnDone bool
}

// NewStreamDecoder creates a decoder with empty state.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// Feed appends a chunk to the internal buffer and returns the records that
// completed as a result. An empty chunk is a valid no-op. Invalid UTF-8 is
// replaced rather than rejected.
func (d *StreamDecoder) Feed(chunk []byte) []Record {
	if len(chunk) == 0 {
		return nil
	}
	text := strings.ToValidUTF8(string(chunk), "�")
	d.trackLines(text)
	d.buf += text
	return d.drain()
}

// drain extracts as many complete records as the buffer currently holds.
func (d *StreamDecoder) drain() []Record {
	var records []Record
	for {
		d.buf = strings.TrimLeft(d.buf, " \t\r\n")
		if d.buf == "" {
			return records
		}

		// Anything before the next object is discardable framing, not an error
		if d.buf[0] != '{' {
			idx := strings.IndexByte(d.buf, '{')
			if idx < 0 {
				d.buf = ""
				return records
			}
			d.buf = d.buf[idx:]
		}

		dec := json.NewDecoder(strings.NewReader(d.buf))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				// Partial object - keep the bytes and wait for the next chunk
				return records
			}
			// Malformed object: drop the opening brace and rescan
			d.buf = d.buf[1:]
			continue
		}

		d.buf = d.buf[dec.InputOffset():]
		records = append(records, d.observe(raw))
	}
}

// observe parses one raw object into a Record and updates derived state.
// A record with no recognizable fields still counts; it just contributes
// nothing to the session id or response.
func (d *StreamDecoder) observe(raw json.RawMessage) Record {
	var rec Record
	// Shape mismatches leave the affected fields zero, which is fine
	_ = json.Unmarshal(raw, &rec)
	rec.Raw = raw

	if d.session == "" {
		// First session-identifying value wins; later values are ignored
		switch {
		case rec.ThreadID != "":
			d.session = rec.ThreadID
		case rec.SessionID != "":
			d.session = rec.SessionID
		}
	}

	if rec.Item != nil && rec.Item.Type == agentMessageType {
		d.response.WriteString(rec.Item.Text)
	}

	if rec.Type == turnCompletedType {
		d.turnDone = true
	}

	return rec
}

// trackLines maintains the bounded tail of recent non-blank raw lines.
func (d *StreamDecoder) trackLines(text string) {
	d.pending += text
	for {
		idx := strings.IndexByte(d.pending, '\n')
		if idx < 0 {
			return
		}
		d.pushTail(strings.TrimRight(d.pending[:idx], "\r"))
		d.pending = d.pending[idx+1:]
	}
}

func (d *StreamDecoder) pushTail(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	d.tail = append(d.tail, line)
	if len(d.tail) > tailLineCapacity {
		d.tail = d.tail[1:]
	}
}

// SessionID returns the latched session identifier, or empty string if
// none has been seen.
func (d *StreamDecoder) SessionID() string {
	return d.session
}

// ResponseText returns the agent-message text accumulated so far, in
// stream order, untrimmed.
func (d *StreamDecoder) ResponseText() string {
	return d.response.String()
}

// TurnCompleted reports whether the turn-completion marker was seen.
// Informational only; it is not a termination signal.
func (d *StreamDecoder) TurnCompleted() bool {
	return d.turnDone
}

// TailLines returns a copy of the most recent non-blank raw lines, at most
// tailLineCapacity, including any unterminated final line.
func (d *StreamDecoder) TailLines() []string {
	lines := append([]string(nil), d.tail...)
	if strings.TrimSpace(d.pending) != "" {
		lines = append(lines, d.pending)
		if len(lines) > tailLineCapacity {
			lines = lines[len(lines)-tailLineCapacity:]
		}
	}
	return lines
}
