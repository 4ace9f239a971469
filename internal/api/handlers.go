package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/graphtect/sheetmail/internal/config"
	"github.com/graphtect/sheetmail/internal/dispatch"
	"github.com/graphtect/sheetmail/internal/pkg/httputil"
	"github.com/graphtect/sheetmail/internal/sheet"
	"github.com/graphtect/sheetmail/internal/template"
)

// BatchRunner is the dispatch surface. *dispatch.Engine implements it.
type BatchRunner interface {
	RunBatch(ctx context.Context, cfg dispatch.CampaignConfig) (*dispatch.BatchResult, error)
	RunBatchList(ctx context.Context, cfg dispatch.CampaignConfig, recipients []sheet.Recipient) (*dispatch.BatchResult, error)
}

// PreviewSource reads the eligible set without sending. *sheet.Roster
// implements it.
type PreviewSource interface {
	Eligible(ctx context.Context, f sheet.Filter) ([]sheet.Recipient, error)
}

// TransportVerifier checks SMTP reachability. *mailer.Sender implements it.
type TransportVerifier interface {
	Verify(ctx context.Context) error
}

// Handlers carries the wired components behind the HTTP endpoints.
type Handlers struct {
	engine   BatchRunner
	preview  PreviewSource
	verifier TransportVerifier
	pixel    http.HandlerFunc
	defaults config.CampaignConfig
}

// NewHandlers wires the endpoint handlers.
func NewHandlers(engine BatchRunner, preview PreviewSource, verifier TransportVerifier, pixel http.HandlerFunc, defaults config.CampaignConfig) *Handlers {
	return &Handlers{engine: engine, preview: preview, verifier: verifier, pixel: pixel, defaults: defaults}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handlers) HandlePixel(w http.ResponseWriter, r *http.Request) {
	h.pixel(w, r)
}

// HandleSendFromSheet runs a batch against the roster's eligible rows. The
// body is an optional campaign override; omitted fields use the service
// defaults.
func (h *Handlers) HandleSendFromSheet(w http.ResponseWriter, r *http.Request) {
	var cfg dispatch.CampaignConfig
	if !httputil.Decode(w, r, &cfg) {
		return
	}

	res, err := h.engine.RunBatch(r.Context(), cfg)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	httputil.OK(w, res)
}

type batchRequest struct {
	dispatch.CampaignConfig
	Recipients []sheet.Recipient `json:"recipients"`
}

// HandleSendBatch sends to an inline recipient list instead of a roster
// selection.
func (h *Handlers) HandleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "no_recipients")
		return
	}

	res, err := h.engine.RunBatchList(r.Context(), req.CampaignConfig, req.Recipients)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleSendDaily is the cron entry point: defaults only, no body required.
func (h *Handlers) HandleSendDaily(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RunBatch(r.Context(), dispatch.CampaignConfig{})
	if err != nil {
		writeBatchError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleSheetPreview reports the eligible set without sending anything.
func (h *Handlers) HandleSheetPreview(w http.ResponseWriter, r *http.Request) {
	startRow := queryInt(r, "startRow", h.defaults.StartRow)
	maxRows := queryInt(r, "maxRows", h.defaults.DailyMaxRows)

	recipients, err := h.preview.Eligible(r.Context(), sheet.Filter{
		StatusIn: []string{sheet.StatusBlank, sheet.StatusFailed},
		StartRow: startRow,
		MaxRows:  maxRows,
	})
	if err != nil {
		writeBatchError(w, err)
		return
	}

	sample := recipients
	if len(sample) > 10 {
		sample = sample[:10]
	}
	httputil.OK(w, map[string]any{
		"ok":     true,
		"count":  len(recipients),
		"sample": sample,
	})
}

// HandleSMTPCheck verifies transport reachability: dial, auth, quit.
func (h *Handlers) HandleSMTPCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := h.verifier.Verify(ctx); err != nil {
		httputil.Error(w, http.StatusBadGateway, "smtp_unreachable")
		return
	}
	httputil.OK(w, map[string]bool{"ok": true})
}

// writeBatchError maps engine errors onto the API's status codes: config
// problems are the caller's fault, an unreachable store is a gateway error.
func writeBatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, template.ErrTemplateMissing):
		httputil.BadRequest(w, "template_missing")
	case errors.Is(err, dispatch.ErrSenderMismatch):
		httputil.BadRequest(w, "sender_mismatch")
	case errors.Is(err, sheet.ErrStoreUnavailable):
		httputil.BadGateway(w, "store_unavailable")
	default:
		httputil.InternalError(w, err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
