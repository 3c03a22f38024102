package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcproxy/internal/observability"
	"github.com/vyrodovalexey/svcproxy/internal/router"
)

// Registrar is the host's method dispatcher. Routes are registered in
// table order and the dispatcher must honor that order.
type Registrar interface {
	Handle(method, pattern string, h http.Handler) error
	Any(pattern string, h http.Handler) error
}

// App is the host application handle.
type App interface {
	// Server returns the listening server, or nil while it is not open.
	Server() *http.Server
	// OnReady runs fn once the server exists, before it serves traffic.
	// It runs fn immediately when the server is already open.
	OnReady(fn func(*http.Server))
	Logger() observability.Logger
}

var (
	_ Registrar = (*router.Mux)(nil)
	_ Registrar = (*GinRegistrar)(nil)
	_ App       = (*ServerApp)(nil)
	_ App       = (*Listener)(nil)
)

// ServerApp is an App over a server the host has already set up.
type ServerApp struct {
	server *http.Server
	logger observability.Logger
}

// NewServerApp creates a ServerApp. Its OnReady callbacks run at once, so
// they must be registered before the server starts serving.
func NewServerApp(server *http.Server, logger observability.Logger) *ServerApp {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ServerApp{server: server, logger: logger}
}

// Server implements App.
func (a *ServerApp) Server() *http.Server { return a.server }

// OnReady implements App.
func (a *ServerApp) OnReady(fn func(*http.Server)) { fn(a.server) }

// Logger implements App.
func (a *ServerApp) Logger() observability.Logger { return a.logger }

// GinRegistrar registers gateway routes behind a gin engine. The routes
// live in an ordered router.Mux that serves every request gin's own
// routes do not match.
type GinRegistrar struct {
	*router.Mux
}

// NewGinRegistrar installs a Mux as the engine's NoRoute handler.
func NewGinRegistrar(engine *gin.Engine, opts ...router.MuxOption) *GinRegistrar {
	mux := router.NewMux(opts...)
	engine.NoRoute(gin.WrapH(mux))
	return &GinRegistrar{Mux: mux}
}
