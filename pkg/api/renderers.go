package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/httputil"
	"github.com/platinummonkey/modulo/pkg/renderer"
)

// RendererHandlers serves renderer discovery and option checks
type RendererHandlers struct {
	renderers Renderers
	logger    *logrus.Logger
}

// NewRendererHandlers creates renderer handlers
func NewRendererHandlers(renderers Renderers, logger *logrus.Logger) *RendererHandlers {
	return &RendererHandlers{renderers: renderers, logger: logger}
}

// RegisterRoutes registers the renderer routes
func (h *RendererHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/renderers", h.list).Methods(http.MethodGet)
	r.HandleFunc("/renderers/{id}", h.get).Methods(http.MethodGet)
	r.Handle("/renderers/{id}", operator(h.update)).Methods(http.MethodPut)
	r.HandleFunc("/renderers/{id}/options/validate", h.validateOptions).Methods(http.MethodPost)
}

// list returns the renderers compatible with ?contentType, or every
// registered renderer without it
func (h *RendererHandlers) list(w http.ResponseWriter, r *http.Request) {
	var out []renderer.Descriptor
	if ct := r.URL.Query().Get("contentType"); ct != "" {
		out = h.renderers.Compatible(ct)
	} else {
		out = h.renderers.List()
	}
	if out == nil {
		out = []renderer.Descriptor{}
	}
	httputil.WriteSuccess(w, out)
}

func (h *RendererHandlers) get(w http.ResponseWriter, r *http.Request) {
	d, err := h.renderers.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

type updateRendererRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *RendererHandlers) update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateRendererRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		httputil.WriteFieldErrors(w, http.StatusBadRequest, MsgValidationFailed, map[string]string{"enabled": "This field is required"})
		return
	}

	if err := h.renderers.SetEnabled(id, *req.Enabled); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	d, err := h.renderers.Get(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

type validateOptionsRequest struct {
	Options map[string]interface{} `json:"options"`
}

type validateOptionsResponse struct {
	Valid   bool                   `json:"valid"`
	Options map[string]interface{} `json:"options"`
}

// validateOptions checks options against the renderer's declared option
// specs and returns them with defaults applied
func (h *RendererHandlers) validateOptions(w http.ResponseWriter, r *http.Request) {
	var req validateOptionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	opts, err := h.renderers.ValidateOptions(mux.Vars(r)["id"], req.Options)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, validateOptionsResponse{Valid: true, Options: opts})
}
