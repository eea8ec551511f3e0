package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/rendis/e2ekit/pkg/schema"
)

// ChromeFactory opens headless Chrome sessions through chromedp.
type ChromeFactory struct {
	Headless bool
	// ExecPath overrides the Chrome binary; empty lets chromedp find one.
	ExecPath string
	Logger   *slog.Logger
}

// Open starts a browser at vp with network events enabled.
func (f *ChromeFactory) Open(ctx context.Context, vp schema.ViewportSpec) (Session, error) {
	vp, err := vp.Resolve()
	if err != nil {
		return nil, err
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(vp.Width, vp.Height),
	)
	if f.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.ExecPath))
	}

	// The browser lives until Close; only actions follow ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "component", "chromedp")
		}),
	)
	actionCtx, actionCancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(ctx, actionCancel)

	s := newChromeSession(tabCtx, actionCtx, vp, logger, fetchBody,
		func() { stop() }, actionCancel, tabCancel, allocCancel)
	chromedp.ListenTarget(tabCtx, s.onEvent)

	// The first Run allocates the browser and binds it to the context it gets.
	if err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)),
	); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open chrome session at %s: %w", vp, err)
	}
	return s, nil
}

// Bounds on delivering responses that finished before Close.
const (
	bodyTimeout  = 5 * time.Second
	drainTimeout = 2 * time.Second
)

// bodyFetcher reads a finished response's body from the browser.
type bodyFetcher func(ctx context.Context, id network.RequestID) ([]byte, error)

func fetchBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}

type chromeSession struct {
	// ctx is the browser tab, alive until Close. actx is what actions run
	// under and is also cancelled with the caller's context.
	ctx    context.Context
	actx   context.Context
	vp     schema.ViewportSpec
	logger *slog.Logger
	fetch  bodyFetcher

	mu       sync.Mutex
	handlers []ResponseHandler
	pending  map[network.RequestID]*Response
	closed   bool
	closeFns []context.CancelFunc
	// inflight counts deliveries accepted before Close; Close drains them
	// before the browser goes away.
	inflight sync.WaitGroup
}

func newChromeSession(ctx, actx context.Context, vp schema.ViewportSpec, logger *slog.Logger, fetch bodyFetcher, closeFns ...context.CancelFunc) *chromeSession {
	return &chromeSession{
		ctx:      ctx,
		actx:     actx,
		vp:       vp,
		logger:   logger,
		fetch:    fetch,
		pending:  make(map[network.RequestID]*Response),
		closeFns: closeFns,
	}
}

func (s *chromeSession) Context() context.Context      { return s.actx }
func (s *chromeSession) Viewport() schema.ViewportSpec { return s.vp }

func (s *chromeSession) OnResponse(h ResponseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Close stops accepting responses, waits up to drainTimeout for responses
// that already finished to reach the handlers, then shuts the browser down.
// No handler runs after Close returns unless the drain timed out.
func (s *chromeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fns := s.closeFns
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.logger.Warn("browser session closed with responses still in flight")
	}

	for _, cancel := range fns {
		cancel()
	}
	return nil
}

// onEvent runs on chromedp's event goroutine and must not block.
func (s *chromeSession) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.mu.Lock()
		s.pending[e.RequestID] = &Response{Method: e.Request.Method, URL: e.Request.URL}
		s.mu.Unlock()

	case *network.EventResponseReceived:
		s.mu.Lock()
		if r, ok := s.pending[e.RequestID]; ok {
			r.Status = int(e.Response.Status)
		}
		s.mu.Unlock()

	case *network.EventLoadingFailed:
		s.mu.Lock()
		delete(s.pending, e.RequestID)
		s.mu.Unlock()

	case *network.EventLoadingFinished:
		s.mu.Lock()
		r, ok := s.pending[e.RequestID]
		delete(s.pending, e.RequestID)
		if !ok || r.Status == 0 || s.closed {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		go s.deliver(e.RequestID, *r)
	}
}

// deliver hands one finished response to the handlers. It runs even when
// Close started after the response was accepted.
func (s *chromeSession) deliver(id network.RequestID, r Response) {
	defer s.inflight.Done()
	if CarriesBody(r.Method) {
		ctx, cancel := context.WithTimeout(s.ctx, bodyTimeout)
		body, err := s.fetch(ctx, id)
		cancel()
		if err != nil {
			s.logger.Debug("response body unavailable", "url", r.URL, "error", err)
		}
		r.Body = body
	}

	s.mu.Lock()
	handlers := append([]ResponseHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(r)
	}
}

var _ SessionFactory = (*ChromeFactory)(nil)
