package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/contextkeys"
	"github.com/platinummonkey/modulo/pkg/httputil"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/submission"
)

// MsgValidationFailed is the top level message of a 400 with field findings
const MsgValidationFailed = "validation failed"

// writeError maps the error taxonomy onto a response. Only validation and
// lifecycle messages reach the client verbatim.
func writeError(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error) {
	var verr *pluginerrors.ValidationError
	var lerr *pluginerrors.LifecycleError

	switch {
	case errors.As(err, &verr):
		httputil.WriteFieldErrors(w, http.StatusBadRequest, MsgValidationFailed, verr.Map())
	case errors.As(err, &lerr):
		httputil.WriteConflict(w, lerr.Message)
	case errors.Is(err, submission.ErrConflict):
		httputil.WriteConflict(w, submission.MsgConcurrentChange)
	case pluginerrors.IsNotFound(err):
		httputil.WriteNotFound(w, "not found")
	case errors.Is(err, submission.ErrRateLimited):
		httputil.WriteTooManyRequests(w, submission.ErrRateLimited.Error())
	default:
		entry := logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": contextkeys.GetRequestID(r.Context()),
		})
		var herr *pluginerrors.HostError
		if errors.As(err, &herr) && herr.Cause() != nil {
			entry = entry.WithField("cause", herr.Cause().Error())
		}
		entry.Errorf("Request failed: %v", err)
		httputil.WriteInternalError(w)
	}
}
