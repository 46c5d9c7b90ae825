// Package httputil provides the JSON request and response helpers and the
// generic middleware shared by the host's HTTP surface.
//
// # Responses
//
//	httputil.WriteJSON(w, http.StatusOK, plugin)
//	httputil.WriteCreated(w, receipt)
//	httputil.WriteErrorMessage(w, http.StatusConflict, "plugin must be stopped before it can be uninstalled")
//	httputil.WriteFieldErrors(w, http.StatusBadRequest, "validation failed", map[string]string{
//		"version": "must follow semantic versioning (e.g., 1.0.0)",
//	})
//
// Every error body has the form {"error": "...", "errors": {...}}; the
// errors map is only present for field findings.
//
// # Requests
//
//	var req installRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // 400 already written
//	}
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 50)
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(64<<20),
//	)(router)
//
// # Related Packages
//
//   - pkg/middleware: caller identity and rate limiting
package httputil
