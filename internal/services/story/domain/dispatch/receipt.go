package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// ErrRejected indicates a handler returned false under an all-must-pass fold.
var ErrRejected = errors.New("handler rejected")

// Receipt records one handler invocation.
type Receipt struct {
	Handler string
	Target  string
	Phase   Phase
	Result  any
	Err     error
	Seq     uint64
}

// Log accumulates receipts for one tick, numbering them in invocation order.
type Log struct {
	next     uint64
	receipts []Receipt
}

// Run invokes handlers in order against target. Handler errors are captured in
// receipts, never returned.
func (l *Log) Run(ctx context.Context, phase Phase, handlers []Handler, env Env, target graph.Node) []Receipt {
	out := make([]Receipt, 0, len(handlers))
	for _, h := range handlers {
		l.next++
		r := Receipt{Handler: h.ID, Target: target.ID, Phase: phase, Seq: l.next}
		r.Result, r.Err = invoke(ctx, h, env, target)
		out = append(out, r)
	}
	l.receipts = append(l.receipts, out...)
	return out
}

// Receipts returns the receipts of phase, or every receipt when phase is empty.
func (l *Log) Receipts(phase Phase) []Receipt {
	var out []Receipt
	for _, r := range l.receipts {
		if phase == "" || r.Phase == phase {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of receipts recorded.
func (l *Log) Len() int { return len(l.receipts) }

func invoke(ctx context.Context, h Handler, env Env, target graph.Node) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.ID, p)
		}
	}()
	return h.Func(ctx, env, target)
}

// AllMustPass succeeds when no receipt carries an error or a false result.
func AllMustPass(receipts []Receipt) error {
	for _, r := range receipts {
		if r.Err != nil {
			return fmt.Errorf("handler %s: %w", r.Handler, r.Err)
		}
		if pass, ok := r.Result.(bool); ok && !pass {
			return fmt.Errorf("%w: %s", ErrRejected, r.Handler)
		}
	}
	return nil
}

// FirstNonNil returns the first successful receipt with a non-nil result.
func FirstNonNil(receipts []Receipt) (Receipt, bool) {
	for _, r := range receipts {
		if r.Err == nil && r.Result != nil {
			return r, true
		}
	}
	return Receipt{}, false
}

// MergeMaps folds map results in receipt order; later receipts override
// earlier keys.
func MergeMaps(receipts []Receipt) map[string]any {
	out := make(map[string]any)
	for _, r := range receipts {
		if r.Err != nil {
			continue
		}
		if m, ok := r.Result.(map[string]any); ok {
			for k, v := range m {
				out[k] = v
			}
		}
	}
	return out
}

// CollectAll returns every successful receipt with a non-nil result, in
// receipt order.
func CollectAll(receipts []Receipt) []Receipt {
	var out []Receipt
	for _, r := range receipts {
		if r.Err == nil && r.Result != nil {
			out = append(out, r)
		}
	}
	return out
}

// Failures returns receipts that carry an error.
func Failures(receipts []Receipt) []Receipt {
	var out []Receipt
	for _, r := range receipts {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
