package frame

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/random"
	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/journal"
	"github.com/louisbranch/storyloom/internal/services/story/domain/provision"
	"github.com/louisbranch/storyloom/internal/services/story/domain/script"
)

type tickResult struct {
	patch     *event.Patch
	planning  []provision.Receipt
	receipts  []dispatch.Receipt
	fragments []journal.Fragment
	notes     map[string]any
	next      string
}

// tickState carries what one phase hands the next.
type tickState struct {
	edge      graph.Edge
	from      string
	dest      string
	landing   string
	redirects []string
	reset     string
}

func (f *Frame) tick(ctx context.Context, edgeID string, internal bool) (res tickResult, err error) {
	step := f.g.Step()
	from := f.g.Cursor()
	seed := random.Seed(f.g.ID(), from, step)

	ctx, span := f.tracer.Start(ctx, "frame.tick", trace.WithAttributes(
		attribute.String("story.graph", f.g.ID()),
		attribute.String("story.edge", edgeID),
		attribute.Int64("story.step", int64(step)),
		attribute.Bool("story.internal", internal),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "tick failed")
		}
		span.End()
	}()

	m := event.NewMutator(f.g, strconv.FormatUint(step+1, 10))
	c := newContext(f, m, seed)
	st := &tickState{from: from}

	defer func() {
		res.receipts = c.log.Receipts("")
		if err == nil {
			return
		}
		if rbErr := m.Rollback(); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	phases := []struct {
		phase dispatch.Phase
		run   func(context.Context, *Context, *tickState, *tickResult) error
	}{
		{dispatch.PhaseValidate, func(ctx context.Context, c *Context, st *tickState, _ *tickResult) error {
			return f.validate(ctx, c, st, edgeID, internal)
		}},
		{dispatch.PhasePlanning, f.planAndRedirect},
		{dispatch.PhaseUpdate, f.update},
		{dispatch.PhaseJournal, f.journal},
		{dispatch.PhaseFinalize, f.finalize},
		{dispatch.PhasePostreqs, f.postreqs},
	}
	for _, p := range phases {
		if err := f.runPhase(ctx, p.phase, func(ctx context.Context) error {
			return p.run(ctx, c, st, &res)
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (f *Frame) runPhase(ctx context.Context, phase dispatch.Phase, fn func(context.Context) error) error {
	ctx, span := f.tracer.Start(ctx, "frame."+string(phase))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(phase)+" failed")
		return err
	}
	return nil
}

func (f *Frame) validate(ctx context.Context, c *Context, st *tickState, edgeID string, internal bool) error {
	reject := func(reason string, err error) error {
		return &ValidationError{Edge: edgeID, Reason: reason, Err: err}
	}
	edge, ok := f.g.Edge(edgeID)
	if !ok {
		return reject("unknown edge", graph.ErrEdgeNotFound)
	}
	if edge.Kind != graph.EdgeChoice {
		return reject("not a choice edge", nil)
	}
	if !internal {
		if edge.Trigger == graph.TriggerReset || edge.Trigger == graph.TriggerPrereq {
			return reject(fmt.Sprintf("%s edges cannot be chosen", edge.Trigger), nil)
		}
		if edge.Source != st.from {
			return reject("edge does not leave the cursor", nil)
		}
	}
	dest, ok := f.g.Node(edge.Dest)
	if !ok || dest.Inactive {
		return reject("destination is unavailable", nil)
	}
	if err := c.enter(dispatch.PhaseValidate, st.from); err != nil {
		return err
	}
	pass, err := script.Eval(c, edge.Guard)
	if err != nil {
		return reject("guard failed", err)
	}
	if !pass {
		return reject("guard did not pass", nil)
	}
	receipts, err := c.run(ctx, dispatch.PhaseValidate, dest)
	if err != nil {
		return err
	}
	if err := dispatch.AllMustPass(receipts); err != nil {
		return reject("validation handler", err)
	}
	st.edge = edge
	st.dest = dest.ID
	return nil
}

// planAndRedirect runs PLANNING for the destination, then PREREQS; each
// redirect re-plans for the new destination.
func (f *Frame) planAndRedirect(ctx context.Context, c *Context, st *tickState, res *tickResult) error {
	for {
		st.landing = f.g.Resolve(st.dest)
		receipt, err := f.plan(ctx, c, st)
		f.last, f.hasLast = receipt, true
		res.planning = append(res.planning, receipt)
		if err != nil {
			return err
		}
		if receipt.Failed() {
			return &UnresolvedRequirementError{Receipt: receipt}
		}
		if err := f.checkProgress(c, st); err != nil {
			return err
		}

		next, via, err := f.prereq(ctx, c, st)
		if err != nil || next == "" {
			return err
		}
		st.redirects = append(st.redirects, via)
		if len(st.redirects) > f.cfg.MaxRedirects {
			return &RedirectDepthError{Phase: dispatch.PhasePrereqs, Limit: f.cfg.MaxRedirects, Path: st.redirects}
		}
		st.dest = next
	}
}

func (f *Frame) plan(ctx context.Context, c *Context, st *tickState) (provision.Receipt, error) {
	if err := c.enter(dispatch.PhasePlanning, st.landing); err != nil {
		return provision.Receipt{Destination: st.landing}, err
	}
	target, _ := f.g.Node(st.dest)
	if _, err := c.run(ctx, dispatch.PhasePlanning, target); err != nil {
		return provision.Receipt{Destination: st.landing}, err
	}
	s, err := c.current()
	if err != nil {
		return provision.Receipt{Destination: st.landing}, err
	}
	receipt, err := provision.Plan(ctx, c, s.Providers(), st.landing)
	if err != nil {
		return receipt, fmt.Errorf("plan %s: %w", st.landing, err)
	}
	return receipt, nil
}

// prereq returns the redirected destination and the edge or handler that
// caused it, or an empty destination when the current one stands.
func (f *Frame) prereq(ctx context.Context, c *Context, st *tickState) (string, string, error) {
	if err := c.enter(dispatch.PhasePrereqs, st.landing); err != nil {
		return "", "", err
	}
	target, _ := f.g.Node(st.dest)
	receipts, err := c.run(ctx, dispatch.PhasePrereqs, target)
	if err != nil {
		return "", "", err
	}
	if r, ok := dispatch.FirstNonNil(receipts); ok {
		ref, isString := r.Result.(string)
		if !isString {
			return "", "", fmt.Errorf("prereq handler %s returned %T, want edge or node reference", r.Handler, r.Result)
		}
		if e, ok := f.g.Edge(ref); ok {
			return e.Dest, e.ID, nil
		}
		n, err := f.g.Get(ref)
		if err != nil {
			return "", "", fmt.Errorf("prereq handler %s: %w", r.Handler, err)
		}
		return n.ID, r.Handler, nil
	}
	for _, holder := range uniq(st.dest, st.landing) {
		edgeID, err := f.firstPassing(c, holder, graph.TriggerPrereq)
		if err != nil {
			return "", "", err
		}
		if edgeID != "" {
			e, _ := f.g.Edge(edgeID)
			return e.Dest, e.ID, nil
		}
	}
	return "", "", nil
}

func (f *Frame) update(ctx context.Context, c *Context, st *tickState, _ *tickResult) error {
	m := c.m
	if err := c.enter(dispatch.PhaseUpdate, st.landing); err != nil {
		return err
	}
	if err := m.MoveCursor(st.landing); err != nil {
		return err
	}
	path := f.entered(st.dest)
	for _, id := range path {
		if n, _ := f.g.Node(id); !n.Visited {
			if err := m.SetNodeField(id, graph.FieldVisited, true); err != nil {
				return err
			}
		}
	}
	for _, id := range append([]string{st.edge.ID}, st.redirects...) {
		if e, ok := f.g.Edge(id); ok && !e.Frozen {
			if err := m.Freeze(id); err != nil {
				return err
			}
		}
	}
	if err := m.SetGraphField(graph.FieldStep, c.step+1); err != nil {
		return err
	}

	target, _ := f.g.Node(st.landing)
	var effects []dispatch.Handler
	for i, src := range st.edge.Effects {
		effects = append(effects, effect(fmt.Sprintf("edge:%s/%d", st.edge.ID, i), src))
	}
	for _, id := range path {
		n, _ := f.g.Node(id)
		for i, src := range n.Effects {
			effects = append(effects, effect(fmt.Sprintf("node:%s/%d", id, i), src))
		}
	}
	c.log.Run(ctx, dispatch.PhaseUpdate, effects, c, target)
	if _, err := c.run(ctx, dispatch.PhaseUpdate, target); err != nil {
		return err
	}

	return f.checkProgress(c, st)
}

// entered lists the nodes a move to dest enters: dest, then each nested
// container SOURCE down to the landing node.
func (f *Frame) entered(dest string) []string {
	path := []string{dest}
	for {
		n, ok := f.g.Node(path[len(path)-1])
		if !ok || !n.IsContainer() {
			return path
		}
		source, _ := f.g.Source(n.ID)
		path = append(path, source)
	}
}

func effect(id, src string) dispatch.Handler {
	return dispatch.Handler{
		ID:    id,
		Phase: dispatch.PhaseUpdate,
		Func: func(_ context.Context, env dispatch.Env, _ graph.Node) (any, error) {
			return nil, script.Exec(env.(script.Env), src)
		},
	}
}

func (f *Frame) finalize(ctx context.Context, c *Context, st *tickState, res *tickResult) error {
	if err := c.enter(dispatch.PhaseFinalize, st.landing); err != nil {
		return err
	}
	target, _ := f.g.Node(st.landing)
	receipts, err := c.run(ctx, dispatch.PhaseFinalize, target)
	if err != nil {
		return err
	}
	res.notes = dispatch.MergeMaps(receipts)

	hash, err := f.g.Hash()
	if err != nil {
		return fmt.Errorf("hash state: %w", err)
	}
	patch := event.Patch{
		GraphID: f.g.ID(),
		Tick:    c.step + 1,
		Seed:    c.seed,
		Transition: event.Transition{
			Edge:      st.edge.ID,
			From:      st.from,
			To:        st.landing,
			Redirects: st.redirects,
		},
		Events:    event.Canonicalize(c.m.Events()),
		Counter:   f.g.Counter(),
		StateHash: hash,
	}
	if err := patch.Seal(f.head); err != nil {
		return fmt.Errorf("seal patch %d: %w", patch.Tick, err)
	}
	if f.archive != nil {
		if err := f.archive.SavePatch(ctx, patch); err != nil {
			return fmt.Errorf("save patch %d: %w", patch.Tick, err)
		}
	}
	c.m.Close()
	f.head = patch.Hash
	res.patch = &patch
	f.logger.Printf("tick %d: %s -> %s (%d events)", patch.Tick, st.from, st.landing, len(patch.Events))

	if f.sink != nil && len(res.fragments) > 0 {
		if err := f.sink.Append(ctx, res.fragments...); err != nil {
			f.logger.Printf("journal tick %d: %v", patch.Tick, err)
		}
	}
	return nil
}

func (f *Frame) postreqs(ctx context.Context, c *Context, st *tickState, res *tickResult) error {
	if st.reset != "" {
		res.next = st.reset
		return nil
	}
	if err := c.enter(dispatch.PhasePostreqs, st.landing); err != nil {
		return err
	}
	target, _ := f.g.Node(st.landing)
	receipts, err := c.run(ctx, dispatch.PhasePostreqs, target)
	if err != nil {
		return err
	}
	if r, ok := dispatch.FirstNonNil(receipts); ok {
		if ref, isString := r.Result.(string); isString {
			res.next = ref
			return nil
		}
		f.logger.Printf("postreq handler %s returned %T, want edge id", r.Handler, r.Result)
	}
	next, err := f.autoEdge(c, st.landing)
	if err != nil {
		return err
	}
	res.next = next
	return nil
}

func uniq(ids ...string) []string {
	var out []string
	for _, id := range ids {
		seen := false
		for _, have := range out {
			seen = seen || have == id
		}
		if !seen {
			out = append(out, id)
		}
	}
	return out
}
