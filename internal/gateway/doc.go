// Package gateway embeds the proxy into a host application.
//
// New compiles a config.GatewayConfig into an immutable route table, and
// every configuration error surfaces there. Mount then registers the HTTP
// routes with the host dispatcher in table order and installs the
// WebSocket tunnel manager on the host server once it is ready.
//
// # Host Contract
//
// The host supplies a Registrar (one registration per method plus a
// catch-all) and an App exposing its *http.Server. Shipped
// implementations:
//
//   - router.Mux and GinRegistrar as Registrars
//   - ServerApp for an already configured server
//   - Listener, which opens its server on Start and runs OnReady
//     callbacks before serving
//
// # Usage
//
//	gw, err := gateway.New(ctx, &cfg.Gateway,
//	    gateway.WithLogger(logger),
//	    gateway.WithMetricsRegisterer(registry),
//	    gateway.WithHeaderFunc("tenant", tenantHeaders),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := gin.New()
//	listener := gateway.NewListener(cfg.Listen, engine)
//	if err := gw.Mount(gateway.NewGinRegistrar(engine, gw.MuxOptions()...), listener); err != nil {
//	    log.Fatal(err)
//	}
//	if err := listener.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Configuration Reload
//
// A Gateway is never modified after New. To reload, build a new Gateway
// and swap the host handler, see Listener.SetHandler.
package gateway
