package progress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Kind tags a progress event for the consuming host process.
type Kind string

const (
	KindInfo    Kind = "info"
	KindError   Kind = "error"
	KindSuccess Kind = "success"
	// KindRaw wraps output that is not a structured event, typically
	// pass-through lines from a wrapped external tool. Raw lines are
	// forwarded verbatim, never dropped.
	KindRaw Kind = "raw"
)

// Event is one self-describing progress record, emitted as a single
// JSON line on the progress channel.
type Event struct {
	Type     Kind     `json:"type"`
	Message  string   `json:"message"`
	Stage    string   `json:"stage,omitempty"`
	ItemID   string   `json:"item_id,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	RunID    string   `json:"run_id,omitempty"`
}

// Stats counts unit outcomes for one stage invocation.
type Stats struct {
	Completed int
	Skipped   int
	Failed    int
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Completed += other.Completed
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

func (s Stats) String() string {
	return fmt.Sprintf("%d completed, %d skipped, %d failed", s.Completed, s.Skipped, s.Failed)
}

// Emitter writes events as JSON lines. Safe for concurrent use; every
// event carries the run ID so a host multiplexing several pipelines can
// tell them apart.
type Emitter struct {
	mu    sync.Mutex
	w     io.Writer
	runID string
}

// NewEmitter creates an emitter writing to w with a fresh run ID.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w, runID: uuid.NewString()}
}

// RunID returns the identifier stamped on every event of this run.
func (e *Emitter) RunID() string {
	return e.runID
}

// Emit writes one event line.
func (e *Emitter) Emit(ev Event) {
	ev.RunID = e.runID

	data, err := json.Marshal(ev)
	if err != nil {
		// Marshalling a flat struct of strings cannot realistically
		// fail; fall back to a raw line rather than lose the event.
		data = []byte(fmt.Sprintf(`{"type":"raw","message":%q,"run_id":%q}`, ev.Message, e.runID))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintln(e.w, string(data))
}

// Info emits an informational event.
func (e *Emitter) Info(stage, msg string) {
	e.Emit(Event{Type: KindInfo, Stage: stage, Message: msg})
}

// Success emits a success event.
func (e *Emitter) Success(stage, msg string) {
	e.Emit(Event{Type: KindSuccess, Stage: stage, Message: msg})
}

// ItemError emits a failure event with enough detail (item, stage,
// reason) to drive a manual or automated retry.
func (e *Emitter) ItemError(stage, itemID, reason, msg string) {
	e.Emit(Event{Type: KindError, Stage: stage, ItemID: itemID, Reason: reason, Message: msg})
}

// ItemDone emits a per-unit success with the overall fraction complete.
func (e *Emitter) ItemDone(stage, itemID string, done, total int) {
	var p *float64
	if total > 0 {
		f := float64(done) / float64(total)
		p = &f
	}
	e.Emit(Event{Type: KindSuccess, Stage: stage, ItemID: itemID, Progress: p,
		Message: fmt.Sprintf("%d/%d", done, total)})
}

// Raw forwards one non-structured line from a wrapped tool.
func (e *Emitter) Raw(stage, line string) {
	e.Emit(Event{Type: KindRaw, Stage: stage, Message: line})
}

// ForwardRaw copies r line by line onto the stream as raw events, for
// wrapping the output of external tools.
func (e *Emitter) ForwardRaw(stage string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			e.Raw(stage, line)
		}
	}
}

// Parse decodes one line from a progress channel. Anything that is not
// a well-formed event comes back as a raw event; Parse never fails.
func Parse(line string) Event {
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return Event{Type: KindRaw, Message: line}
	}
	switch ev.Type {
	case KindInfo, KindError, KindSuccess, KindRaw:
		return ev
	default:
		return Event{Type: KindRaw, Message: line}
	}
}
