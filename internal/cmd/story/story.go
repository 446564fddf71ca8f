// Package story implements the story command: it plays a scripted list of
// choices through a world against an archive backend, then verifies the
// archive by replaying it.
package story

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	platformcmd "github.com/louisbranch/storyloom/internal/platform/cmd"
	"github.com/louisbranch/storyloom/internal/platform/timeouts"
	"github.com/louisbranch/storyloom/internal/services/story/domain/frame"
	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
	"github.com/louisbranch/storyloom/internal/services/story/domain/journal"
	"github.com/louisbranch/storyloom/internal/services/story/domain/loader"
	"github.com/louisbranch/storyloom/internal/services/story/domain/replay"
	"github.com/louisbranch/storyloom/internal/services/story/domain/scope"
	"github.com/louisbranch/storyloom/internal/services/story/storage"
	boltstore "github.com/louisbranch/storyloom/internal/services/story/storage/bbolt"
	"github.com/louisbranch/storyloom/internal/services/story/storage/memory"
	redisstore "github.com/louisbranch/storyloom/internal/services/story/storage/redis"
	sqlitestore "github.com/louisbranch/storyloom/internal/services/story/storage/sqlite"
)

// Archive backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bbolt"
	BackendRedis  = "redis"
)

// ErrWorldRequired indicates a missing world document path.
var ErrWorldRequired = errors.New("world path is required")

// Config holds story command configuration.
type Config struct {
	World           string        `env:"WORLD"`
	Choices         string        `env:"CHOICES"`
	MaxRedirects    int           `env:"MAX_REDIRECTS"`
	ExternalTimeout time.Duration `env:"EXTERNAL_TIMEOUT"`
	ScopeCacheSize  int           `env:"SCOPE_CACHE_SIZE" envDefault:"256"`
	Backend         string        `env:"BACKEND"          envDefault:"memory"`
	StorePath       string        `env:"STORE_PATH"`
	RedisAddr       string        `env:"REDIS_ADDR"       envDefault:"localhost:6379"`
	RedisNamespace  string        `env:"REDIS_NAMESPACE"  envDefault:"default"`
	Verbose         bool          `env:"VERBOSE"`
}

// ParseConfig reads STORYLOOM_ environment defaults, then flags.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := platformcmd.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = timeouts.ExternalCall
	}

	fs.StringVar(&cfg.World, "world", cfg.World, "path to the world YAML document")
	fs.StringVar(&cfg.Choices, "choices", cfg.Choices, "comma-separated choice labels or edge ids to play")
	fs.IntVar(&cfg.MaxRedirects, "max-redirects", cfg.MaxRedirects, "redirect and auto-advance cap per choice (required)")
	fs.DurationVar(&cfg.ExternalTimeout, "external-timeout", cfg.ExternalTimeout, "timeout for the external calls of one tick")
	fs.IntVar(&cfg.ScopeCacheSize, "scope-cache-size", cfg.ScopeCacheSize, "scope cache entries")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "archive backend: memory, sqlite, bbolt or redis")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "database file for the sqlite and bbolt backends")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for the redis backend")
	fs.StringVar(&cfg.RedisNamespace, "redis-namespace", cfg.RedisNamespace, "key namespace for the redis backend")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "log every tick")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run plays cfg.Choices and verifies the archive. Journal fragments are
// written to out as JSON lines; progress goes to errOut.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if strings.TrimSpace(cfg.World) == "" {
		return ErrWorldRequired
	}
	if cfg.MaxRedirects <= 0 {
		return frame.ErrMaxRedirectsRequired
	}
	logger := log.New(errOut, "[STORY] ", 0)

	doc, err := loader.ReadFile(cfg.World)
	if err != nil {
		return err
	}
	catalog := scope.NewCatalog()
	g, err := loader.Build(doc, catalog)
	if err != nil {
		return fmt.Errorf("build world: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Printf("close store: %v", err)
		}
	}()
	archive, err := storage.NewArchive(store, g.ID())
	if err != nil {
		return err
	}
	defer archive.Close()

	g, head, err := resume(ctx, archive, g, logger)
	if err != nil {
		return err
	}

	frameLogger := log.New(io.Discard, "", 0)
	if cfg.Verbose {
		frameLogger = logger
	}
	f, err := frame.New(g, catalog, frame.Config{
		MaxRedirects:    cfg.MaxRedirects,
		ExternalTimeout: cfg.ExternalTimeout,
		ScopeCacheSize:  cfg.ScopeCacheSize,
	},
		frame.WithLogger(frameLogger),
		frame.WithArchive(archive),
		frame.WithJournal(journal.NewWriter(out)),
		frame.WithHead(head.Hash),
	)
	if err != nil {
		return err
	}
	session := frame.NewSession(f)

	if head.Tick == 0 {
		outcome, err := session.Start(ctx)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		report(logger, "start", outcome)
	}
	for _, choice := range splitChoices(cfg.Choices) {
		edgeID, err := lookupChoice(session, choice)
		if err != nil {
			return err
		}
		outcome, err := session.Choose(ctx, edgeID)
		if err != nil {
			return fmt.Errorf("choice %q: %w", choice, err)
		}
		report(logger, choice, outcome)
		if outcome.Status == frame.StatusAborted {
			return fmt.Errorf("choice %q aborted: %w", choice, outcome.Err)
		}
	}

	frontier, err := session.Frontier()
	if err != nil {
		return err
	}
	for _, e := range frontier {
		logger.Printf("choice %s (%s)", choiceName(e), e.ID)
	}
	return verify(ctx, archive, f.Graph(), logger)
}

// resume restores g from the archive when it already holds history;
// otherwise it archives g as the initial snapshot.
func resume(ctx context.Context, archive *storage.Archive, g *graph.Graph, logger *log.Logger) (*graph.Graph, storage.Head, error) {
	head, err := archive.Head(ctx)
	if err != nil {
		return nil, storage.Head{}, err
	}
	if head.Tick == 0 {
		if err := archive.SaveSnapshot(ctx, g.Snapshot()); err != nil {
			return nil, storage.Head{}, err
		}
		return g, head, nil
	}
	res, err := replayArchive(ctx, archive)
	if err != nil {
		return nil, storage.Head{}, err
	}
	if res.Head != head.Hash {
		return nil, storage.Head{}, fmt.Errorf("archive head %s does not match replayed chain %s", head.Hash, res.Head)
	}
	logger.Printf("resumed %s at tick %d, cursor %s", g.ID(), head.Tick, res.Graph.Cursor())
	return res.Graph, head, nil
}

// verify replays the whole archive and compares it with the live graph.
func verify(ctx context.Context, archive *storage.Archive, live *graph.Graph, logger *log.Logger) error {
	res, err := replayArchive(ctx, archive)
	if err != nil {
		return err
	}
	want, err := live.Hash()
	if err != nil {
		return err
	}
	if res.Hash != want {
		return fmt.Errorf("replayed state %s differs from live state %s", res.Hash, want)
	}
	logger.Printf("verified %s at step %d: state %s", live.ID(), live.Step(), want)
	return nil
}

func replayArchive(ctx context.Context, archive *storage.Archive) (replay.Result, error) {
	snapshot, err := archive.LoadSnapshot(ctx)
	if err != nil {
		return replay.Result{}, err
	}
	patches, err := archive.Patches(ctx, 0)
	if err != nil {
		return replay.Result{}, err
	}
	res, err := replay.Replay(snapshot, patches)
	if err != nil {
		return replay.Result{}, fmt.Errorf("replay archive: %w", err)
	}
	return res, nil
}

func openStore(ctx context.Context, cfg Config) (storage.Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return memory.New(), noop, nil
	case BackendSQLite:
		s, err := sqlitestore.Open(cfg.StorePath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case BackendBolt:
		s, err := boltstore.Open(cfg.StorePath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case BackendRedis:
		s, err := redisstore.New(&goredis.Options{Addr: cfg.RedisAddr}, cfg.RedisNamespace)
		if err != nil {
			return nil, noop, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, noop, fmt.Errorf("ping redis: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func splitChoices(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// lookupChoice matches a frontier edge by id first, then by label.
func lookupChoice(session *frame.Session, choice string) (string, error) {
	frontier, err := session.Frontier()
	if err != nil {
		return "", err
	}
	for _, e := range frontier {
		if e.ID == choice {
			return e.ID, nil
		}
	}
	names := make([]string, 0, len(frontier))
	for _, e := range frontier {
		if e.Label == choice {
			return e.ID, nil
		}
		names = append(names, choiceName(e))
	}
	return "", fmt.Errorf("choice %q is not available; frontier: [%s]", choice, strings.Join(names, ", "))
}

func choiceName(e graph.Edge) string {
	if e.Label != "" {
		return e.Label
	}
	return e.ID
}

func report(logger *log.Logger, choice string, outcome frame.Outcome) {
	logger.Printf("%s: %s at %s after %d patches", choice, outcome.Status, outcome.Cursor, len(outcome.Patches))
	for _, r := range outcome.Planning {
		for _, o := range r.Bound() {
			logger.Printf("%s: bound %s to %s", choice, o.Resource, o.Node)
		}
		for _, o := range r.Waived() {
			logger.Printf("%s: waived requirement %s", choice, o.Edge)
		}
	}
}
