// Package journal holds the append-only sequence of content fragments
// produced while journaling a tick.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrFragmentIDRequired indicates a fragment without an id.
	ErrFragmentIDRequired = errors.New("fragment id is required")
	// ErrOutOfOrder indicates a fragment older than the journal head.
	ErrOutOfOrder = errors.New("fragment is out of order")
)

// Fragment is one immutable journaled content unit.
type Fragment struct {
	ID     string         `json:"id"`
	Node   string         `json:"node"`
	Tick   uint64         `json:"tick"`
	Seq    uint64         `json:"seq"`
	Kind   string         `json:"kind,omitempty"`
	Text   string         `json:"text,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Source string         `json:"source,omitempty"`
}

func (f Fragment) clone() Fragment {
	out := f
	if f.Data != nil {
		out.Data = make(map[string]any, len(f.Data))
		for k, v := range f.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Sink consumes fragments in order. Implementations guarantee ordering and
// immutability only.
type Sink interface {
	Append(ctx context.Context, fragments ...Fragment) error
}

// ExternalRequest asks the frame to call outside the engine during JOURNAL.
// The result is recorded so replay never calls again.
type ExternalRequest struct {
	// Key identifies the call within the tick.
	Key string
	// Call performs the request. It must honor ctx cancellation.
	Call func(ctx context.Context) (any, error)
	// Render turns the recorded result into a fragment. When nil the result
	// is journaled as an "external" fragment.
	Render func(value any, errMsg string) Fragment
}

// Memory is an in-process Sink.
type Memory struct {
	mu        sync.Mutex
	fragments []Fragment
}

// NewMemory returns an empty journal.
func NewMemory() *Memory {
	return &Memory{}
}

// Append stores fragments after checking their order.
func (m *Memory) Append(ctx context.Context, fragments ...Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fragments {
		if err := checkOrder(m.last(), f); err != nil {
			return err
		}
		m.fragments = append(m.fragments, f.clone())
	}
	return nil
}

// Fragments returns copies of every stored fragment.
func (m *Memory) Fragments() []Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Fragment, len(m.fragments))
	for i, f := range m.fragments {
		out[i] = f.clone()
	}
	return out
}

// Since returns fragments journaled after tick.
func (m *Memory) Since(tick uint64) []Fragment {
	var out []Fragment
	for _, f := range m.Fragments() {
		if f.Tick > tick {
			out = append(out, f)
		}
	}
	return out
}

func (m *Memory) last() *Fragment {
	if len(m.fragments) == 0 {
		return nil
	}
	return &m.fragments[len(m.fragments)-1]
}

// Writer is a Sink emitting one JSON document per fragment.
type Writer struct {
	mu   sync.Mutex
	enc  *json.Encoder
	head *Fragment
}

// NewWriter writes fragments to w.
func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

// Append encodes fragments in order.
func (w *Writer) Append(ctx context.Context, fragments ...Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range fragments {
		if err := checkOrder(w.head, f); err != nil {
			return err
		}
		if err := w.enc.Encode(f); err != nil {
			return fmt.Errorf("encode fragment %s: %w", f.ID, err)
		}
		head := f
		w.head = &head
	}
	return nil
}

func checkOrder(last *Fragment, next Fragment) error {
	if next.ID == "" {
		return ErrFragmentIDRequired
	}
	if last == nil {
		return nil
	}
	if next.Tick < last.Tick || (next.Tick == last.Tick && next.Seq <= last.Seq) {
		return fmt.Errorf("%w: %s at %d.%d after %d.%d", ErrOutOfOrder, next.ID, next.Tick, next.Seq, last.Tick, last.Seq)
	}
	return nil
}
