// Package config provides configuration types and loading for the service
// proxy gateway.
//
// The configuration has two layers. HostConfig describes the demo host
// process (listener, logging, tracing, metrics, secrets, redis). Its
// Gateway field holds the GatewayConfig handed to gateway.New: the route
// prefix, the passthrough header allow-list, default credentials and the
// ordered service map.
//
// # Features
//
//   - YAML configuration file loading
//   - Environment variable substitution with ${VAR:-default} syntax
//   - Shorthand rule shapes (bare path strings, single method strings,
//     boolean upload policies, legacy bare rule lists)
//   - Durations as Go duration strings or integer milliseconds
//   - Host configuration validation with detailed error reporting
//   - File watching for configuration hot-reload
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # File Watching
//
//	watcher, err := config.NewWatcher(path, func(cfg *config.HostConfig) {
//	    // build a new gateway from cfg.Gateway and swap it in
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	watcher.Start(ctx)
package config
