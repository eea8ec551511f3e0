// Package browsertest provides in-process browser sessions for tests that
// drive a pipeline without a real browser.
package browsertest

import (
	"context"
	"sync"

	"github.com/rendis/e2ekit/internal/browser"
	"github.com/rendis/e2ekit/pkg/schema"
)

// Session is a browser.Session with no browser behind it. Responses are
// injected with Emit.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	vp     schema.ViewportSpec

	mu       sync.RWMutex
	handlers []browser.ResponseHandler
	closed   bool
}

// NewSession returns an open session at vp.
func NewSession(ctx context.Context, vp schema.ViewportSpec) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{ctx: ctx, cancel: cancel, vp: vp}
}

func (s *Session) Context() context.Context      { return s.ctx }
func (s *Session) Viewport() schema.ViewportSpec { return s.vp }

func (s *Session) OnResponse(h browser.ResponseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Emit delivers r to every handler, synchronously. Dropped after Close.
// Bodies of safe methods are stripped as a real session would.
func (s *Session) Emit(r browser.Response) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	handlers := append([]browser.ResponseHandler(nil), s.handlers...)
	s.mu.RUnlock()

	if !browser.CarriesBody(r.Method) {
		r.Body = nil
	}
	for _, h := range handlers {
		h(r)
	}
}

// HandlerCount returns how many handlers are registered.
func (s *Session) HandlerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cancel()
	}
	return nil
}

// Factory opens Sessions and remembers them in order.
type Factory struct {
	mu       sync.Mutex
	Sessions []*Session
}

func (f *Factory) Open(ctx context.Context, vp schema.ViewportSpec) (browser.Session, error) {
	s := NewSession(ctx, vp)
	f.mu.Lock()
	f.Sessions = append(f.Sessions, s)
	f.mu.Unlock()
	return s, nil
}

var (
	_ browser.Session        = (*Session)(nil)
	_ browser.SessionFactory = (*Factory)(nil)
)
