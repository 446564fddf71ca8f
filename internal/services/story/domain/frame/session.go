package frame

import (
	"context"
	"sync"

	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// Session serializes ticks on one frame. Concurrent callers wait for the tick
// in progress.
type Session struct {
	mu    sync.Mutex
	frame *Frame
}

// NewSession wraps f.
func NewSession(f *Frame) *Session {
	return &Session{frame: f}
}

// Start runs Frame.Start under the session lock.
func (s *Session) Start(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.Start(ctx)
}

// Choose runs Frame.Begin under the session lock.
func (s *Session) Choose(ctx context.Context, edgeID string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.Begin(ctx, edgeID)
}

// Frontier reads the current choices under the session lock.
func (s *Session) Frontier() ([]graph.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.Frontier()
}
