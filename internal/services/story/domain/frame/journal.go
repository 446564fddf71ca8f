package frame

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/encoding"
	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/journal"
)

// entry is one journal slot in handler order: a ready fragment or a pending
// external request.
type entry struct {
	source   string
	fragment *journal.Fragment
	request  *journal.ExternalRequest
	result   event.ExternalResult
}

func (f *Frame) journal(ctx context.Context, c *Context, st *tickState, res *tickResult) error {
	if err := c.enter(dispatch.PhaseJournal, st.landing); err != nil {
		return err
	}
	target, _ := f.g.Node(st.landing)
	receipts, err := c.run(ctx, dispatch.PhaseJournal, target)
	if err != nil {
		return err
	}

	var entries []*entry
	for _, r := range dispatch.CollectAll(receipts) {
		switch v := r.Result.(type) {
		case journal.Fragment:
			entries = append(entries, &entry{source: r.Handler, fragment: &v})
		case []journal.Fragment:
			for i := range v {
				entries = append(entries, &entry{source: r.Handler, fragment: &v[i]})
			}
		case string:
			entries = append(entries, &entry{source: r.Handler, fragment: &journal.Fragment{Kind: "text", Text: v}})
		case journal.ExternalRequest:
			entries = append(entries, &entry{source: r.Handler, request: &v})
		case []journal.ExternalRequest:
			for i := range v {
				entries = append(entries, &entry{source: r.Handler, request: &v[i]})
			}
		default:
			f.logger.Printf("journal handler %s returned %T, ignored", r.Handler, r.Result)
		}
	}

	tick := c.step + 1
	if err := f.callExternals(ctx, tick, entries); err != nil {
		return err
	}

	for _, e := range entries {
		fragment := e.fragment
		if e.request != nil {
			if err := c.m.RecordExternal(e.request.Key, e.result); err != nil {
				return fmt.Errorf("record external %s: %w", e.request.Key, err)
			}
			rendered := render(*e.request, e.result)
			fragment = &rendered
		}
		fr := *fragment
		fr.ID = c.m.NewID("fragment")
		fr.Node = st.landing
		fr.Tick = tick
		fr.Seq = uint64(len(res.fragments) + 1)
		if fr.Source == "" {
			fr.Source = e.source
		}
		if err := c.m.RecordFragment(fr.ID, fr); err != nil {
			return fmt.Errorf("record fragment: %w", err)
		}
		res.fragments = append(res.fragments, fr)
	}
	return nil
}

// callExternals resolves every pending request concurrently, substituting
// recorded results. Failures and timeouts become recorded errors.
func (f *Frame) callExternals(ctx context.Context, tick uint64, entries []*entry) error {
	var pending []*entry
	for i, e := range entries {
		if e.request == nil {
			continue
		}
		if e.request.Key == "" {
			e.request.Key = fmt.Sprintf("external-%d", i+1)
		}
		if recorded, ok := f.recorded[ExternalKey(tick, e.request.Key)]; ok {
			e.result = recorded
			continue
		}
		if e.request.Call == nil {
			e.result = event.ExternalResult{Error: "no call"}
			continue
		}
		pending = append(pending, e)
	}
	if len(pending) == 0 {
		return nil
	}

	callCtx := ctx
	if f.cfg.ExternalTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.cfg.ExternalTimeout)
		defer cancel()
	}
	var group errgroup.Group
	for _, e := range pending {
		group.Go(func() error {
			e.result = call(callCtx, *e.request)
			return nil
		})
	}
	return group.Wait()
}

func call(ctx context.Context, req journal.ExternalRequest) (result event.ExternalResult) {
	defer func() {
		if p := recover(); p != nil {
			result = event.ExternalResult{Error: fmt.Sprintf("panic: %v", p)}
		}
	}()
	value, err := req.Call(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return event.ExternalResult{Error: err.Error()}
	}
	normalized, err := encoding.Normalize(value)
	if err != nil {
		return event.ExternalResult{Error: fmt.Sprintf("encode result: %v", err)}
	}
	return event.ExternalResult{Value: normalized}
}

func render(req journal.ExternalRequest, result event.ExternalResult) journal.Fragment {
	if req.Render != nil {
		return req.Render(result.Value, result.Error)
	}
	data := map[string]any{"key": req.Key}
	if result.Value != nil {
		data["value"] = result.Value
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	return journal.Fragment{Kind: "external", Data: data}
}
