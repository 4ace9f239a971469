// Package dispatch runs campaign batches: select recipients, render, send
// with bounded retry, pace, and record outcomes back to the roster.
package dispatch

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/graphtect/sheetmail/internal/config"
	"github.com/graphtect/sheetmail/internal/mailer"
	"github.com/graphtect/sheetmail/internal/pkg/httpretry"
	"github.com/graphtect/sheetmail/internal/pkg/logger"
	"github.com/graphtect/sheetmail/internal/sheet"
	"github.com/graphtect/sheetmail/internal/template"
)

// RecipientSource is the roster surface the engine needs. *sheet.Roster
// implements it.
type RecipientSource interface {
	Eligible(ctx context.Context, f sheet.Filter) ([]sheet.Recipient, error)
	FindRow(ctx context.Context, email string) (int, error)
	WriteStatus(ctx context.Context, row int, status, timestamp, reason string) error
	Now() string
}

// MailSender is the transport surface. *mailer.Sender implements it.
type MailSender interface {
	Send(ctx context.Context, msg *mailer.Message) (*mailer.Result, error)
	User() string
}

// Engine executes batches strictly sequentially. One batch at a time per
// engine; the store is last-writer-wins, so concurrent batches against the
// same rows are the operator's problem, not ours.
type Engine struct {
	roster   RecipientSource
	sender   MailSender
	resolver *template.Resolver
	http     httpretry.HTTPDoer
	defaults config.CampaignConfig

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	randN func(n int) int
}

// NewEngine wires a dispatch engine. The resolver covers the configured
// template sources; a per-request template URL gets an ad-hoc resolver over
// the same HTTP client.
func NewEngine(roster RecipientSource, sender MailSender, resolver *template.Resolver, doer httpretry.HTTPDoer, defaults config.CampaignConfig) *Engine {
	return &Engine{
		roster:   roster,
		sender:   sender,
		resolver: resolver,
		http:     doer,
		defaults: defaults,
		sleep:    sleepCtx,
		randN:    rand.Intn,
	}
}

// RunBatch selects eligible rows from the roster and sends to each of them.
// Template and sender-identity failures abort before any send; a selection
// read failure is fatal too. An empty selection is a successful no-op.
func (e *Engine) RunBatch(ctx context.Context, cfg CampaignConfig) (*BatchResult, error) {
	cfg = e.normalize(cfg)

	tmpl, err := e.template(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.checkFrom(cfg.From); err != nil {
		return nil, err
	}

	// the default selection picks up fresh rows and earlier failures, so an
	// aborted run heals on the next invocation
	statuses := cfg.OnlyIfStatusIn
	if len(statuses) == 0 {
		statuses = []string{sheet.StatusBlank, sheet.StatusFailed}
	}
	recipients, err := e.roster.Eligible(ctx, sheet.Filter{
		StatusIn: statuses,
		StartRow: cfg.StartRow,
		MaxRows:  cfg.MaxRows,
	})
	if err != nil {
		return nil, err
	}

	return e.run(ctx, cfg, tmpl, recipients), nil
}

// RunBatchList is RunBatch over a caller-supplied recipient list instead of a
// roster selection. Rows without a known row number are located by email at
// write-back time; unknown addresses are sent but not recorded.
func (e *Engine) RunBatchList(ctx context.Context, cfg CampaignConfig, recipients []sheet.Recipient) (*BatchResult, error) {
	cfg = e.normalize(cfg)

	tmpl, err := e.template(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.checkFrom(cfg.From); err != nil {
		return nil, err
	}
	return e.run(ctx, cfg, tmpl, recipients), nil
}

func (e *Engine) run(ctx context.Context, cfg CampaignConfig, tmpl string, recipients []sheet.Recipient) *BatchResult {
	out := &BatchResult{Total: len(recipients), Results: make([]SendResult, 0, len(recipients))}

	for i, rcpt := range recipients {
		if ctx.Err() != nil {
			out.Total = len(out.Results)
			break
		}

		res := e.sendOne(ctx, cfg, tmpl, rcpt)
		out.Results = append(out.Results, res)
		if res.OK {
			out.Sent++
		}

		if res.OK && i < len(recipients)-1 {
			if err := e.sleep(ctx, e.pacing(cfg)); err != nil {
				out.Total = len(out.Results)
				break
			}
		}
	}

	out.OK = out.Sent == out.Total
	logger.Info("[dispatch] batch done", "sent", out.Sent, "total", out.Total)
	return out
}

// sendOne handles a single recipient: validation, render, bounded-retry send,
// status write-back. Write-back failures are logged and swallowed.
func (e *Engine) sendOne(ctx context.Context, cfg CampaignConfig, tmpl string, rcpt sheet.Recipient) SendResult {
	to := sheet.NormalizeEmail(rcpt.Email)
	sendID := uuid.New().String()

	if !validAddress(to) {
		e.record(ctx, rcpt, sheet.StatusFailed, ReasonInvalidEmail)
		return SendResult{To: to, Error: ReasonInvalidEmail}
	}

	renderCtx := map[string]string{
		"email":   to,
		"name":    rcpt.Name,
		"company": rcpt.Company,
		"sendId":  sendID,
	}
	msg := &mailer.Message{
		From:    cfg.From,
		To:      to,
		Subject: template.Render(cfg.Subject, renderCtx),
		HTML:    template.Render(tmpl, renderCtx),
		Text:    template.Render(cfg.Text, renderCtx),
		ReplyTo: cfg.ReplyTo,
	}

	base := time.Duration(cfg.RetryBaseMs) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, base<<(attempt-1)); err != nil {
				break
			}
			logger.Warn("[dispatch] retrying", "to", to, "attempt", attempt, "error", lastErr.Error())
		}
		result, err := e.sender.Send(ctx, msg)
		if err == nil {
			e.record(ctx, rcpt, sheet.StatusSent, "")
			return SendResult{To: to, OK: true, MessageID: result.MessageID, Response: result.Response}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	e.record(ctx, rcpt, sheet.StatusFailed, lastErr.Error())
	return SendResult{To: to, Error: lastErr.Error()}
}

// record writes the outcome back to the roster. List-mode recipients without
// a row number are located by email first.
func (e *Engine) record(ctx context.Context, rcpt sheet.Recipient, status, reason string) {
	row := rcpt.RowNum
	if row == 0 {
		found, err := e.roster.FindRow(ctx, rcpt.Email)
		if err != nil {
			logger.Warn("[dispatch] status not recorded", "to", rcpt.Email, "status", status, "error", err.Error())
			return
		}
		row = found
	}
	if err := e.roster.WriteStatus(ctx, row, status, e.roster.Now(), reason); err != nil {
		logger.Warn("[dispatch] status write-back failed", "to", rcpt.Email, "row", row, "error", err.Error())
	}
}

func (e *Engine) template(ctx context.Context, cfg CampaignConfig) (string, error) {
	if cfg.TemplateURL != "" {
		r := template.NewResolver(e.http, cfg.TemplateURL, e.defaults.TemplateFile)
		return r.Resolve(ctx, cfg.HTML)
	}
	return e.resolver.Resolve(ctx, cfg.HTML)
}

func (e *Engine) checkFrom(from string) error {
	if !strings.EqualFold(strings.TrimSpace(from), strings.TrimSpace(e.sender.User())) {
		return ErrSenderMismatch
	}
	return nil
}

// normalize fills zero fields from the service defaults.
func (e *Engine) normalize(cfg CampaignConfig) CampaignConfig {
	d := e.defaults
	if cfg.Subject == "" {
		cfg.Subject = d.Subject
	}
	if cfg.From == "" {
		cfg.From = e.sender.User()
	}
	if cfg.StartRow < 2 {
		cfg.StartRow = d.StartRow
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = d.DailyMaxRows
	}
	if cfg.DelayMinMs <= 0 {
		cfg.DelayMinMs = d.DelayMinMs
	}
	if cfg.DelayMaxMs < cfg.DelayMinMs {
		cfg.DelayMaxMs = cfg.DelayMinMs
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.RetryBaseMs <= 0 {
		cfg.RetryBaseMs = d.RetryBaseMs
	}
	return cfg
}

// pacing picks a uniform delay in [DelayMin, DelayMax].
func (e *Engine) pacing(cfg CampaignConfig) time.Duration {
	min, max := cfg.DelayMinMs, cfg.DelayMaxMs
	ms := min
	if max > min {
		ms = min + e.randN(max-min+1)
	}
	return time.Duration(ms) * time.Millisecond
}

// validAddress is a syntactic gate only: local@domain with a dotted domain.
// Anything else is rejected before a transport attempt.
func validAddress(email string) bool {
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 {
		return false
	}
	domain := email[at+1:]
	if strings.Contains(email[at+1:], "@") {
		return false
	}
	dot := strings.Index(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
