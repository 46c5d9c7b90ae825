package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/httputil"
	"github.com/platinummonkey/modulo/pkg/lifecycle"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/renderer"
	"github.com/platinummonkey/modulo/pkg/security"
)

// PluginHandlers serves installed plugins and their grants
type PluginHandlers struct {
	submissions Submissions
	lifecycle   Lifecycle
	grants      Grants
	renderers   Renderers
	logger      *logrus.Logger
}

// NewPluginHandlers creates plugin handlers
func NewPluginHandlers(subs Submissions, lc Lifecycle, grants Grants, renderers Renderers, logger *logrus.Logger) *PluginHandlers {
	return &PluginHandlers{
		submissions: subs,
		lifecycle:   lc,
		grants:      grants,
		renderers:   renderers,
		logger:      logger,
	}
}

// RegisterRoutes registers the plugin routes
func (h *PluginHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/plugins", h.list).Methods(http.MethodGet)
	r.HandleFunc("/plugins/{id}", h.get).Methods(http.MethodGet)
	r.Handle("/plugins", operator(h.install)).Methods(http.MethodPost)
	r.Handle("/plugins/{id}/start", operator(h.start)).Methods(http.MethodPost)
	r.Handle("/plugins/{id}/stop", operator(h.stop)).Methods(http.MethodPost)
	r.Handle("/plugins/{id}", operator(h.uninstall)).Methods(http.MethodDelete)
	r.Handle("/plugins/{id}/grants", operator(h.setGrants)).Methods(http.MethodPut)
}

// PluginView is an installed plugin with its current grants
type PluginView struct {
	lifecycle.InstalledPlugin
	Grants *security.GrantInfo `json:"grants,omitempty"`
}

func (h *PluginHandlers) view(p lifecycle.InstalledPlugin) PluginView {
	v := PluginView{InstalledPlugin: p}
	if info, ok := h.grants.Grants(p.Descriptor.ID); ok {
		v.Grants = &info
	}
	return v
}

func (h *PluginHandlers) list(w http.ResponseWriter, r *http.Request) {
	installed := h.lifecycle.List()
	out := make([]PluginView, 0, len(installed))
	for _, p := range installed {
		out = append(out, h.view(p))
	}
	httputil.WriteSuccess(w, out)
}

func (h *PluginHandlers) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.lifecycle.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, h.view(p))
}

type installRequest struct {
	SubmissionID string `json:"submissionId"`
	Start        bool   `json:"start"`
}

// install installs the descriptor of a published submission and, for
// renderer plugins, registers the renderer
func (h *PluginHandlers) install(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SubmissionID) == "" {
		writeError(w, r, h.logger, pluginerrors.ValidationFailed("submissionId", "Submission id is required"))
		return
	}

	d, err := h.submissions.Descriptor(r.Context(), req.SubmissionID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p, err := h.lifecycle.Install(r.Context(), d)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if d.IsRenderer() {
		if err := h.renderers.Register(renderer.FromPlugin(d)); err != nil {
			h.logger.WithField("plugin_id", d.ID).Warnf("Installed plugin has an invalid renderer descriptor: %v", err)
		}
	}

	if req.Start {
		if _, err := h.lifecycle.Start(r.Context(), d.ID); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		if p, err = h.lifecycle.Get(d.ID); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	httputil.WriteCreated(w, h.view(p))
}

type stateResponse struct {
	ID    string          `json:"id"`
	State lifecycle.State `json:"state"`
}

func (h *PluginHandlers) start(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := h.lifecycle.Start(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, stateResponse{ID: id, State: state})
}

func (h *PluginHandlers) stop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := h.lifecycle.Stop(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, stateResponse{ID: id, State: state})
}

func (h *PluginHandlers) uninstall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.lifecycle.Uninstall(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.renderers.RemovePlugin(id)
	httputil.WriteNoContent(w)
}

type grantsRequest struct {
	Capabilities []string `json:"capabilities"`
}

// setGrants replaces the plugin's grant set. Capabilities outside the
// declared set are rejected.
func (h *PluginHandlers) setGrants(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req grantsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	caps, err := capability.ParseSet(req.Capabilities)
	if err != nil {
		writeError(w, r, h.logger, pluginerrors.ValidationFailed("capabilities", err.Error()))
		return
	}

	if err := h.grants.SetGrants(r.Context(), id, caps); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	info, _ := h.grants.Grants(id)
	httputil.WriteSuccess(w, info)
}
