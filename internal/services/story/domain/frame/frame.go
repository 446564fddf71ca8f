// Package frame runs ticks: one externally chosen transition resolved through
// VALIDATE, PLANNING, PREREQS, UPDATE, JOURNAL, FINALIZE and POSTREQS.
package frame

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/storyloom/internal/services/story/domain/core/random"
	"github.com/louisbranch/storyloom/internal/services/story/domain/dispatch"
	"github.com/louisbranch/storyloom/internal/services/story/domain/event"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/journal"
	"github.com/louisbranch/storyloom/internal/services/story/domain/provision"
	"github.com/louisbranch/storyloom/internal/services/story/domain/scope"
	"github.com/louisbranch/storyloom/internal/services/story/domain/script"
)

const tracerName = "github.com/louisbranch/storyloom/frame"

// Config bounds a frame.
type Config struct {
	// MaxRedirects caps prereq redirects within one tick and consecutive
	// auto-advances after it. Required.
	MaxRedirects int
	// ExternalTimeout bounds the external calls of one JOURNAL phase. Zero
	// means no timeout beyond the caller's context.
	ExternalTimeout time.Duration
	// ScopeCacheSize bounds the scope cache; zero uses the cache default.
	ScopeCacheSize int
}

// PatchStore persists sealed patches. FINALIZE is its only caller.
type PatchStore interface {
	SavePatch(ctx context.Context, patch event.Patch) error
}

// Option configures a Frame.
type Option func(*Frame)

// WithLogger sets the frame logger.
func WithLogger(logger *log.Logger) Option {
	return func(f *Frame) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(f *Frame) {
		if tracer != nil {
			f.tracer = tracer
		}
	}
}

// WithArchive persists every sealed patch.
func WithArchive(store PatchStore) Option {
	return func(f *Frame) { f.archive = store }
}

// WithJournal sends journaled fragments to sink after each FINALIZE.
func WithJournal(sink journal.Sink) Option {
	return func(f *Frame) { f.sink = sink }
}

// WithRecordedExternals substitutes previously recorded results for external
// calls, keyed by ExternalKey.
func WithRecordedExternals(recorded map[string]event.ExternalResult) Option {
	return func(f *Frame) { f.recorded = maps.Clone(recorded) }
}

// WithHead continues the patch hash chain from head.
func WithHead(head string) Option {
	return func(f *Frame) { f.head = head }
}

// ExternalKey addresses the recorded result of one external call.
func ExternalKey(tick uint64, key string) string {
	return fmt.Sprintf("%d/%s", tick, key)
}

// Status is the result of Begin.
type Status string

const (
	// StatusBlocked waits for the next external choice.
	StatusBlocked Status = "blocked"
	// StatusCompleted has no further choice available.
	StatusCompleted Status = "completed"
	// StatusAborted rejected the tick; Outcome.Err says why.
	StatusAborted Status = "aborted"
)

// Outcome reports every tick run by one Begin or Start call, auto-advances
// included.
type Outcome struct {
	Status    Status
	Cursor    string
	Patches   []event.Patch
	Planning  []provision.Receipt
	Receipts  []dispatch.Receipt
	Fragments []journal.Fragment
	// Notes merges the map results of FINALIZE handlers; later ticks win.
	Notes     map[string]any
	Frontier  []graph.Edge
	Err       error
}

// Frame drives one graph. It holds no locks; callers serialize ticks per
// graph or use a Session.
type Frame struct {
	g        *graph.Graph
	catalog  *scope.Catalog
	cfg      Config
	cache    *scope.Cache
	logger   *log.Logger
	tracer   trace.Tracer
	archive  PatchStore
	sink     journal.Sink
	recorded map[string]event.ExternalResult
	head     string

	last    provision.Receipt
	hasLast bool
}

// New creates a frame over g.
func New(g *graph.Graph, catalog *scope.Catalog, cfg Config, opts ...Option) (*Frame, error) {
	if g == nil {
		return nil, ErrGraphRequired
	}
	if catalog == nil {
		return nil, ErrCatalogRequired
	}
	if cfg.MaxRedirects <= 0 {
		return nil, ErrMaxRedirectsRequired
	}
	cache, err := scope.NewCache(cfg.ScopeCacheSize)
	if err != nil {
		return nil, err
	}
	f := &Frame{
		g:       g,
		catalog: catalog,
		cfg:     cfg,
		cache:   cache,
		logger:  log.New(io.Discard, "", 0),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Graph returns the driven graph.
func (f *Frame) Graph() *graph.Graph { return f.g }

// Head returns the hash of the last sealed patch.
func (f *Frame) Head() string { return f.head }

// LastReceipt returns the planning receipt of the most recent tick.
func (f *Frame) LastReceipt() (provision.Receipt, bool) {
	return f.last, f.hasLast
}

// Begin resolves the choice of edgeID from the cursor, then follows any
// auto-advance. Recoverable failures come back as an Aborted outcome;
// structural defects, redirect depth and persistence failures are errors.
func (f *Frame) Begin(ctx context.Context, edgeID string) (Outcome, error) {
	if edgeID == "" {
		return Outcome{}, ErrEdgeRequired
	}
	return f.run(ctx, edgeID, false)
}

// Start follows auto-advance edges from the current cursor, typically the
// root SOURCE of a fresh graph.
func (f *Frame) Start(ctx context.Context) (Outcome, error) {
	next, err := f.autoEdge(f.readContext(), f.g.Cursor())
	if err != nil {
		return Outcome{}, err
	}
	if next == "" {
		return f.settle(Outcome{})
	}
	return f.run(ctx, next, true)
}

// Frontier returns the manual choices available from the cursor whose guard
// passes, in edge order.
func (f *Frame) Frontier() ([]graph.Edge, error) {
	cursor := f.g.Cursor()
	if err := f.readContext().enter(dispatch.PhaseValidate, cursor); err != nil {
		return nil, err
	}
	var out []graph.Edge
	for _, e := range f.g.Outgoing(cursor, graph.EdgeChoice) {
		if e.Trigger != graph.TriggerManual || !f.active(e.Dest) {
			continue
		}
		// Each guard draws from the tick seed, as VALIDATE will.
		c := f.readContext()
		if err := c.enter(dispatch.PhaseValidate, cursor); err != nil {
			return nil, err
		}
		pass, err := script.Eval(c, e.Guard)
		if err != nil {
			f.logger.Printf("frontier: guard of %s: %v", e.ID, err)
			continue
		}
		if pass {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Frame) run(ctx context.Context, edgeID string, internal bool) (Outcome, error) {
	var out Outcome
	path := []string{edgeID}
	for advances := 0; ; advances++ {
		if advances > f.cfg.MaxRedirects {
			return out, &RedirectDepthError{Phase: dispatch.PhasePostreqs, Limit: f.cfg.MaxRedirects, Path: path}
		}
		res, err := f.tick(ctx, edgeID, internal)
		out.absorb(res)
		if err != nil {
			if IsRecoverable(err) {
				out.Err = err
				out.Status = StatusAborted
				out.Cursor = f.g.Cursor()
				frontier, ferr := f.Frontier()
				if ferr != nil {
					out.Err = errors.Join(err, fmt.Errorf("frontier: %w", ferr))
				}
				out.Frontier = frontier
				return out, nil
			}
			return out, err
		}
		if res.next == "" {
			return f.settle(out)
		}
		edgeID = res.next
		internal = true
		path = append(path, edgeID)
	}
}

func (f *Frame) settle(out Outcome) (Outcome, error) {
	frontier, err := f.Frontier()
	if err != nil {
		return out, err
	}
	out.Cursor = f.g.Cursor()
	out.Frontier = frontier
	out.Status = StatusBlocked
	if len(frontier) == 0 {
		out.Status = StatusCompleted
	}
	return out, nil
}

func (o *Outcome) absorb(res tickResult) {
	if res.patch != nil {
		o.Patches = append(o.Patches, *res.patch)
	}
	o.Planning = append(o.Planning, res.planning...)
	o.Receipts = append(o.Receipts, res.receipts...)
	o.Fragments = append(o.Fragments, res.fragments...)
	if len(res.notes) > 0 && o.Notes == nil {
		o.Notes = make(map[string]any, len(res.notes))
	}
	maps.Copy(o.Notes, res.notes)
}

// readContext is a context for guard evaluation outside a tick.
func (f *Frame) readContext() *Context {
	return newContext(f, nil, random.Seed(f.g.ID(), f.g.Cursor(), f.g.Step()))
}

// autoEdge returns the first postreq edge leaving from whose guard passes.
func (f *Frame) autoEdge(c *Context, from string) (string, error) {
	return f.firstPassing(c, from, graph.TriggerPostreq)
}

func (f *Frame) firstPassing(c *Context, from string, trigger graph.Trigger) (string, error) {
	if err := c.enter(c.phase, from); err != nil {
		return "", err
	}
	for _, e := range f.g.Outgoing(from, graph.EdgeChoice) {
		if e.Trigger != trigger || !f.active(e.Dest) {
			continue
		}
		pass, err := script.Eval(c, e.Guard)
		if err != nil {
			f.logger.Printf("%s edge %s: guard: %v", trigger, e.ID, err)
			continue
		}
		if pass {
			return e.ID, nil
		}
	}
	return "", nil
}

func (f *Frame) active(id string) bool {
	n, ok := f.g.Node(id)
	return ok && !n.Inactive
}
