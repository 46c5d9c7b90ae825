package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/contextkeys"
	"github.com/platinummonkey/modulo/pkg/httputil"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/submission"
)

// multipartSlack is the room left for form fields on top of the package
const multipartSlack = 1 << 20

// SubmissionHandlers serves the submission and review pipeline
type SubmissionHandlers struct {
	pipeline  Submissions
	logger    *logrus.Logger
	maxUpload int64
}

// NewSubmissionHandlers creates submission handlers
func NewSubmissionHandlers(pipeline Submissions, logger *logrus.Logger, maxUpload int64) *SubmissionHandlers {
	return &SubmissionHandlers{
		pipeline:  pipeline,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

// RegisterRoutes registers the submission routes
func (h *SubmissionHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/submissions", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/submissions", h.list).Methods(http.MethodGet)
	r.HandleFunc("/submissions/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/submissions/{id}/history", h.history).Methods(http.MethodGet)
	r.HandleFunc("/submissions/{id}/resubmit", h.resubmit).Methods(http.MethodPost)
	r.Handle("/submissions/{id}/validate", operator(h.validate)).Methods(http.MethodPost)
	r.Handle("/submissions/{id}/review", operator(h.review)).Methods(http.MethodPost)
	r.Handle("/submissions/{id}/publish", operator(h.publish)).Methods(http.MethodPost)
}

// readForm parses the multipart body. The upload is checked against its
// part header before the body is read.
func (h *SubmissionHandlers) readForm(w http.ResponseWriter, r *http.Request, requireJar bool) (submission.Form, *submission.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return submission.Form{}, nil, pluginerrors.ValidationFailed(submission.JarField, submission.MsgJarTooLarge)
		}
		return submission.Form{}, nil, pluginerrors.ValidationFailed("form", "Request must be multipart/form-data")
	}
	defer r.MultipartForm.RemoveAll()

	form := submission.Form{
		PluginName:     r.FormValue("pluginName"),
		Version:        r.FormValue("version"),
		Description:    r.FormValue("description"),
		DeveloperName:  r.FormValue("developerName"),
		DeveloperEmail: r.FormValue("developerEmail"),
		Category:       r.FormValue("category"),
		License:        r.FormValue("license"),
	}

	file, header, err := r.FormFile(submission.JarField)
	if errors.Is(err, http.ErrMissingFile) {
		errs := submission.ValidateForm(form, nil, requireJar, h.maxUpload)
		return form, nil, errs.OrNil()
	}
	if err != nil {
		return form, nil, fmt.Errorf("failed to read upload: %w", err)
	}
	defer file.Close()

	errs := submission.ValidateForm(form, nil, false, h.maxUpload)
	submission.ValidateUpload(errs, header.Filename, header.Size, h.maxUpload)
	if errs.HasErrors() {
		return form, nil, errs
	}

	data, err := readUpload(file, h.maxUpload)
	if err != nil {
		return form, nil, err
	}
	return form, &submission.Upload{FileName: header.Filename, Data: data}, nil
}

func readUpload(file multipart.File, maxSize int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, pluginerrors.ValidationFailed(submission.JarField, submission.MsgJarTooLarge)
	}
	return data, nil
}

func (h *SubmissionHandlers) submit(w http.ResponseWriter, r *http.Request) {
	form, jar, err := h.readForm(w, r, true)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	receipt, err := h.pipeline.Submit(r.Context(), form, jar)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteCreated(w, receipt)
}

func (h *SubmissionHandlers) resubmit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	form, jar, err := h.readForm(w, r, false)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	receipt, err := h.pipeline.Resubmit(r.Context(), id, form, jar)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteCreated(w, receipt)
}

func (h *SubmissionHandlers) list(w http.ResponseWriter, r *http.Request) {
	status := submission.Status(strings.ToUpper(httputil.ParseQueryString(r, "status", string(submission.StatusQueuedForReview))))
	page, ok := httputil.ParsePageOrError(w, r, 50, 500)
	if !ok {
		return
	}

	subs, err := h.pipeline.ListByStatus(r.Context(), status, page.Limit, page.Offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if subs == nil {
		subs = []*submission.Submission{}
	}
	httputil.WriteSuccess(w, subs)
}

func (h *SubmissionHandlers) get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.pipeline.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *SubmissionHandlers) history(w http.ResponseWriter, r *http.Request) {
	events, err := h.pipeline.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, events)
}

func (h *SubmissionHandlers) validate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.pipeline.RunAutomatedValidation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

type reviewRequest struct {
	Approve   bool   `json:"approve"`
	Rationale string `json:"rationale"`
}

func (h *SubmissionHandlers) review(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	sub, err := h.pipeline.Review(r.Context(), mux.Vars(r)["id"], submission.Decision{
		Approve:   req.Approve,
		Reviewer:  contextkeys.GetUserID(r.Context()),
		Rationale: req.Rationale,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *SubmissionHandlers) publish(w http.ResponseWriter, r *http.Request) {
	sub, err := h.pipeline.Publish(r.Context(), mux.Vars(r)["id"], contextkeys.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}
