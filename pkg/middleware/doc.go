// Package middleware provides the caller identity and rate limiting
// middleware of the host's HTTP surface.
//
// # Caller identity
//
// The host authenticates users before requests reach this service and
// forwards the user id in the X-Modulo-User header. CallerMiddleware moves
// it into the request context; RequireCaller rejects operator routes
// without one.
//
//	router.Use(middleware.CallerMiddleware)
//	ops := router.PathPrefix("/api/v1/plugins").Subrouter()
//	ops.Use(middleware.RequireCaller)
//
// # Rate Limiting
//
// RateLimiter is an in-process token bucket. It also satisfies
// submission.RateLimiter, so a single host without Redis can still bound
// submissions per developer.
//
//	limits := middleware.NewRateLimitMiddleware(logger)
//	router.Use(limits.Handler)
//
// Default (Anonymous): 100 req/min, 10 burst
// Per-User: 1000 req/min, 50 burst
//
// # Related Packages
//
//   - pkg/httputil: JSON helpers and generic middleware
//   - pkg/submission: Redis backed submission limiter
package middleware
