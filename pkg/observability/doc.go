// Package observability provides Prometheus metrics, health checks and
// panic recovery for the plugin host.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDenial("todo-sync", "NOTE_WRITE")
//	http.Handle("/metrics", observability.Handler(registry))
//
// The Record and Observe helpers accept a nil *Metrics so components can run
// without a registry.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version, db, redisClient)
//	checker.Register("packages", true, store.Ping)
//	status := checker.Check(ctx)
//
// # Panic Recovery
//
// Plugin code runs behind MustRecover so a panicking plugin becomes an
// error instead of a crashed host.
package observability
