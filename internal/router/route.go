package router

import (
	"net/http"
	"slices"
	"time"

	"github.com/vyrodovalexey/svcproxy/internal/backend"
	"github.com/vyrodovalexey/svcproxy/internal/headers"
	"github.com/vyrodovalexey/svcproxy/internal/signing"
	"github.com/vyrodovalexey/svcproxy/internal/upload"
	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// AdapterKind selects how a route is served. It is fixed at compile time.
type AdapterKind int

// Adapter kinds.
const (
	KindPlainHTTP AdapterKind = iota
	KindSignedService
	KindWebSocket
	KindSignedWebSocket
	KindFixedStatus
	KindNotFound
)

// String implements fmt.Stringer.
func (k AdapterKind) String() string {
	switch k {
	case KindPlainHTTP:
		return "plainHttp"
	case KindSignedService:
		return "signedService"
	case KindWebSocket:
		return "websocket"
	case KindSignedWebSocket:
		return "signedWebsocket"
	case KindFixedStatus:
		return "fixedStatus"
	case KindNotFound:
		return "notFound"
	default:
		return "unknown"
	}
}

// IsWebSocket reports whether routes of this kind are served by the tunnel
// manager.
func (k AdapterKind) IsWebSocket() bool {
	return k == KindWebSocket || k == KindSignedWebSocket
}

// IsSigned reports whether calls of this kind carry a signature.
func (k AdapterKind) IsSigned() bool {
	return k == KindSignedService || k == KindSignedWebSocket
}

// SupportedMethods are the methods a rule may name. ALL expands to them.
var SupportedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
	http.MethodHead,
	http.MethodOptions,
}

// MethodAll is the marker for every supported method.
const MethodAll = "ALL"

// CompiledRoute is one entry of a RouteTable. It is never modified after
// compilation.
type CompiledRoute struct {
	Service string
	// Route is the inbound path pattern source.
	Route   string
	Pattern *Pattern
	// Path is the backend path template.
	Path string
	// Methods is nil when the route accepts every method.
	Methods []string
	Kind    AdapterKind

	Endpoint         string
	Credentials      signing.Credentials
	Signer           signing.Signer
	IgnoreFromMarker bool

	Extensions []headers.Extension
	Headers    map[string]string
	Timeout    time.Duration

	// Upload is nil unless the rule accepts multipart uploads.
	Upload        *upload.Policy
	Pipe          bool
	Status        int
	BeforeRequest backend.BeforeRequestFunc
	AfterResponse backend.AfterResponseFunc

	DefaultQuery util.Query
	// DataAsQueryString forces data placement when non-nil.
	DataAsQueryString      *bool
	ContentType            string
	UseQuerystringInDelete bool
	DefaultErrorCode       int

	ServiceValues map[string]any
}

// AllMethods reports whether the route accepts every method.
func (r *CompiledRoute) AllMethods() bool {
	return r.Methods == nil
}

// AllowsMethod reports whether method is served by the route.
func (r *CompiledRoute) AllowsMethod(method string) bool {
	return r.Methods == nil || slices.Contains(r.Methods, method)
}

// Auth returns the signing material of a signed route, or nil.
func (r *CompiledRoute) Auth() *backend.Auth {
	if !r.Kind.IsSigned() {
		return nil
	}
	return &backend.Auth{
		Signer:           r.Signer,
		Credentials:      r.Credentials,
		IgnoreFromMarker: r.IgnoreFromMarker,
	}
}

// RouteTable is the ordered result of a compile. It is safe for concurrent
// use because nothing modifies it.
type RouteTable struct {
	routes    []*CompiledRoute
	http      []*CompiledRoute
	websocket []*CompiledRoute
}

func newRouteTable(routes []*CompiledRoute) *RouteTable {
	t := &RouteTable{routes: routes}
	for _, r := range routes {
		if r.Kind.IsWebSocket() {
			t.websocket = append(t.websocket, r)
		} else {
			t.http = append(t.http, r)
		}
	}
	return t
}

// Routes returns every route in registration order.
func (t *RouteTable) Routes() []*CompiledRoute {
	return slices.Clone(t.routes)
}

// HTTP returns the routes registered with the host dispatcher, in order.
func (t *RouteTable) HTTP() []*CompiledRoute {
	return slices.Clone(t.http)
}

// WebSocket returns the routes matched against upgrade requests, in order.
func (t *RouteTable) WebSocket() []*CompiledRoute {
	return slices.Clone(t.websocket)
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	return len(t.routes)
}

// CountByKind returns the number of routes of each kind.
func (t *RouteTable) CountByKind() map[AdapterKind]int {
	out := make(map[AdapterKind]int)
	for _, r := range t.routes {
		out[r.Kind]++
	}
	return out
}
