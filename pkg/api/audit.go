package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/httputil"
)

// AuditHandlers serves the audit trail of a plugin
type AuditHandlers struct {
	reader audit.Reader
	logger *logrus.Logger
}

// NewAuditHandlers creates audit handlers reading from reader
func NewAuditHandlers(reader audit.Reader, logger *logrus.Logger) *AuditHandlers {
	return &AuditHandlers{reader: reader, logger: logger}
}

// RegisterRoutes registers the audit routes
func (h *AuditHandlers) RegisterRoutes(r *mux.Router) {
	r.Handle("/plugins/{id}/audit", operator(h.listByPlugin)).Methods(http.MethodGet)
}

func (h *AuditHandlers) listByPlugin(w http.ResponseWriter, r *http.Request) {
	page, ok := httputil.ParsePageOrError(w, r, audit.DefaultListLimit, 1000)
	if !ok {
		return
	}
	events, err := h.reader.ListByPlugin(r.Context(), mux.Vars(r)["id"], page.Limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}
	httputil.WriteSuccess(w, events)
}
