// Package browser defines the browser session port shared by the viewport
// controller, the network observer and the external action executor.
package browser

import (
	"context"
	"net/http"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Response is one completed HTTP exchange seen by a session.
// Body is populated for non-safe methods only (POST, PUT, PATCH, DELETE).
type Response struct {
	Method string
	URL    string
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// ResponseHandler receives responses. It may be called from any goroutine.
type ResponseHandler func(Response)

// Session is a live browser page at a fixed viewport.
type Session interface {
	// Context is the context actions for this session must run under.
	Context() context.Context
	Viewport() schema.ViewportSpec
	// OnResponse registers h for every subsequent response.
	OnResponse(h ResponseHandler)
	Close() error
}

// SessionFactory opens new sessions.
type SessionFactory interface {
	Open(ctx context.Context, vp schema.ViewportSpec) (Session, error)
}

// CarriesBody reports whether responses to method have their body captured.
func CarriesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
