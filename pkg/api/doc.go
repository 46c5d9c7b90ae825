// Package api is the operator and marketplace HTTP surface of the plugin host.
//
// # Routes
//
// Submissions (developers and reviewers):
//
//	POST /api/v1/submissions                  multipart form with a jarFile part
//	GET  /api/v1/submissions?status=SUBMITTED
//	GET  /api/v1/submissions/{id}
//	GET  /api/v1/submissions/{id}/history
//	POST /api/v1/submissions/{id}/resubmit    multipart, jarFile optional
//	POST /api/v1/submissions/{id}/validate    reviewer
//	POST /api/v1/submissions/{id}/review      reviewer, {"approve": true, "rationale": "..."}
//	POST /api/v1/submissions/{id}/publish     reviewer
//
// Installed plugins (operators):
//
//	GET    /api/v1/plugins
//	GET    /api/v1/plugins/{id}
//	POST   /api/v1/plugins                    {"submissionId": "...", "start": true}
//	POST   /api/v1/plugins/{id}/start
//	POST   /api/v1/plugins/{id}/stop
//	DELETE /api/v1/plugins/{id}
//	PUT    /api/v1/plugins/{id}/grants        {"capabilities": ["NOTE_READ"]}
//	GET    /api/v1/plugins/{id}/audit?limit=50  when an audit reader is configured
//
// Renderers:
//
//	GET  /api/v1/renderers?contentType=text/csv
//	PUT  /api/v1/renderers/{id}               operator, {"enabled": false}
//	POST /api/v1/renderers/{id}/options/validate
//
// Routes marked reviewer or operator require the X-Modulo-User header set
// by the fronting host. /healthz, /livez and /metrics are unauthenticated.
//
// # Errors
//
// A ValidationError yields 400 with an errors map, a LifecycleError 409 with
// its message, a missing resource 404 and rate limiting 429. Every other
// failure is logged and answered with 500 "internal error".
package api
