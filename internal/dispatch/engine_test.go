package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphtect/sheetmail/internal/config"
	"github.com/graphtect/sheetmail/internal/mailer"
	"github.com/graphtect/sheetmail/internal/sheet"
	"github.com/graphtect/sheetmail/internal/template"
)

type statusWrite struct {
	row    int
	status string
	reason string
}

type fakeRoster struct {
	recipients []sheet.Recipient
	eligible   error
	findRow    map[string]int
	writeErr   error
	writes     []statusWrite
	filter     sheet.Filter
}

func (f *fakeRoster) Eligible(ctx context.Context, filter sheet.Filter) ([]sheet.Recipient, error) {
	f.filter = filter
	return f.recipients, f.eligible
}

func (f *fakeRoster) FindRow(ctx context.Context, email string) (int, error) {
	if row, ok := f.findRow[email]; ok {
		return row, nil
	}
	return 0, sheet.ErrRowNotFound
}

func (f *fakeRoster) WriteStatus(ctx context.Context, row int, status, ts, reason string) error {
	f.writes = append(f.writes, statusWrite{row, status, reason})
	return f.writeErr
}

func (f *fakeRoster) Now() string { return "30/08/2026, 12:00:00" }

type fakeSender struct {
	user     string
	failNext int // number of leading calls that fail
	err      error
	sent     []*mailer.Message
}

func (f *fakeSender) Send(ctx context.Context, msg *mailer.Message) (*mailer.Result, error) {
	f.sent = append(f.sent, msg)
	if f.failNext > 0 {
		f.failNext--
		return nil, f.err
	}
	return &mailer.Result{MessageID: "mid-1", Response: "250 accepted"}, nil
}

func (f *fakeSender) User() string { return f.user }

func newTestEngine(r *fakeRoster, s *fakeSender) (*Engine, *[]time.Duration) {
	e := NewEngine(r, s, template.NewResolver(nil, "", ""), nil, config.CampaignConfig{
		Subject:      "Hello {{name}}",
		StartRow:     2,
		DailyMaxRows: 350,
		DelayMinMs:   10,
		DelayMaxMs:   20,
		MaxRetries:   2,
		RetryBaseMs:  800,
	})
	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	e.randN = func(n int) int { return 0 }
	return e, &sleeps
}

func TestRunBatchRetryBound(t *testing.T) {
	roster := &fakeRoster{recipients: []sheet.Recipient{{Email: "a@example.com", Name: "Ann", RowNum: 2}}}
	sender := &fakeSender{user: "me@example.com", failNext: 99, err: errors.New("451 try later")}
	e, sleeps := newTestEngine(roster, sender)

	res, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>", MaxRetries: 2})
	require.NoError(t, err)

	// maxRetries=2 means exactly 3 transport attempts
	assert.Len(t, sender.sent, 3)
	assert.Equal(t, 0, res.Sent)
	assert.False(t, res.OK)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "451 try later", res.Results[0].Error)

	// backoff doubles from the base
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond}, *sleeps)

	require.Len(t, roster.writes, 1)
	assert.Equal(t, statusWrite{2, sheet.StatusFailed, "451 try later"}, roster.writes[0])
}

func TestRunBatchInvalidEmailShortCircuits(t *testing.T) {
	roster := &fakeRoster{recipients: []sheet.Recipient{
		{Email: "not-an-address", RowNum: 2},
		{Email: "user@nodot", RowNum: 3},
		{Email: "@example.com", RowNum: 4},
	}}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	res, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>"})
	require.NoError(t, err)

	assert.Empty(t, sender.sent)
	assert.Equal(t, 0, res.Sent)
	require.Len(t, roster.writes, 3)
	for _, w := range roster.writes {
		assert.Equal(t, sheet.StatusFailed, w.status)
		assert.Equal(t, ReasonInvalidEmail, w.reason)
	}
}

func TestRunBatchEndToEnd(t *testing.T) {
	roster := &fakeRoster{recipients: []sheet.Recipient{
		{Email: "Ann@Example.com", Name: "Ann", Company: "Acme", RowNum: 2},
		{Email: "bad-address", RowNum: 3},
		{Email: "cara@example.com", Name: "Cara", RowNum: 4},
	}}
	sender := &fakeSender{user: "me@example.com", failNext: 1, err: errors.New("421 busy")}
	e, _ := newTestEngine(roster, sender)

	res, err := e.RunBatch(context.Background(), CampaignConfig{
		HTML:    "<p>Hi {{name}} ({{email}}) id={{sendId}}</p>",
		Subject: "For {{company}}",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 3, res.Total)
	assert.False(t, res.OK)

	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].OK)
	assert.Equal(t, "ann@example.com", res.Results[0].To)
	assert.Equal(t, ReasonInvalidEmail, res.Results[1].Error)
	assert.True(t, res.Results[2].OK)

	// attempts: ann fail+retry-success (2) + cara (1)
	require.Len(t, sender.sent, 3)
	first := sender.sent[0]
	assert.Equal(t, "ann@example.com", first.To)
	assert.Equal(t, "For Acme", first.Subject)
	assert.Contains(t, first.HTML, "Hi Ann (ann@example.com)")
	assert.NotContains(t, first.HTML, "{{")

	wantStatuses := []statusWrite{
		{2, sheet.StatusSent, ""},
		{3, sheet.StatusFailed, ReasonInvalidEmail},
		{4, sheet.StatusSent, ""},
	}
	assert.Equal(t, wantStatuses, roster.writes)
}

func TestRunBatchTemplateMissing(t *testing.T) {
	roster := &fakeRoster{recipients: []sheet.Recipient{{Email: "a@example.com", RowNum: 2}}}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	_, err := e.RunBatch(context.Background(), CampaignConfig{})
	assert.ErrorIs(t, err, template.ErrTemplateMissing)
	assert.Empty(t, sender.sent)
}

func TestRunBatchSenderMismatch(t *testing.T) {
	roster := &fakeRoster{}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	_, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>", From: "spoof@example.com"})
	assert.ErrorIs(t, err, ErrSenderMismatch)

	// case and whitespace differences are not a mismatch
	res, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>", From: " ME@Example.COM "})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestRunBatchSelectionFailureIsFatal(t *testing.T) {
	roster := &fakeRoster{eligible: sheet.ErrStoreUnavailable}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	_, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>"})
	assert.ErrorIs(t, err, sheet.ErrStoreUnavailable)
}

func TestRunBatchWriteBackFailureSwallowed(t *testing.T) {
	roster := &fakeRoster{
		recipients: []sheet.Recipient{{Email: "a@example.com", RowNum: 2}},
		writeErr:   sheet.ErrStoreUnavailable,
	}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	res, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.True(t, res.OK)
}

func TestRunBatchDefaultSelectionRetriesFailed(t *testing.T) {
	roster := &fakeRoster{}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	// an omitted filter selects fresh rows and earlier failures
	_, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>"})
	require.NoError(t, err)
	assert.Equal(t, []string{sheet.StatusBlank, sheet.StatusFailed}, roster.filter.StatusIn)

	// an explicit filter is taken as-is
	_, err = e.RunBatch(context.Background(), CampaignConfig{
		HTML:           "<p>hi</p>",
		OnlyIfStatusIn: []string{sheet.StatusBlank},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{sheet.StatusBlank}, roster.filter.StatusIn)
}

func TestRunBatchEmptySelection(t *testing.T) {
	roster := &fakeRoster{}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	res, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, res.Results)
}

func TestRunBatchCancellation(t *testing.T) {
	roster := &fakeRoster{recipients: []sheet.Recipient{
		{Email: "a@example.com", RowNum: 2},
		{Email: "b@example.com", RowNum: 3},
	}}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	e.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		cancel() // cancel during the pacing sleep after the first send
		return ctx.Err()
	}

	res, err := e.RunBatch(ctx, CampaignConfig{HTML: "<p>hi</p>"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Total) // truncated to what actually ran
	assert.Len(t, sender.sent, 1)
}

func TestRunBatchListLocatesRows(t *testing.T) {
	roster := &fakeRoster{findRow: map[string]int{"a@example.com": 7}}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	res, err := e.RunBatchList(context.Background(), CampaignConfig{HTML: "<p>hi</p>"}, []sheet.Recipient{
		{Email: "a@example.com", Name: "Ann"},
		{Email: "ghost@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)

	// only the known address gets a status write; the unknown one is sent
	// but not recorded
	require.Len(t, roster.writes, 1)
	assert.Equal(t, statusWrite{7, sheet.StatusSent, ""}, roster.writes[0])
}

func TestPacingBounds(t *testing.T) {
	roster := &fakeRoster{}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)
	e.randN = func(n int) int { return n - 1 }

	cfg := e.normalize(CampaignConfig{DelayMinMs: 100, DelayMaxMs: 250})
	assert.Equal(t, 250*time.Millisecond, e.pacing(cfg))

	e.randN = func(n int) int { return 0 }
	assert.Equal(t, 100*time.Millisecond, e.pacing(cfg))

	cfg = e.normalize(CampaignConfig{DelayMinMs: 100})
	assert.Equal(t, 100*time.Millisecond, e.pacing(cfg))
}

func TestValidAddress(t *testing.T) {
	valid := []string{"a@b.co", "first.last@sub.example.com", "x+tag@example.io"}
	invalid := []string{"", "plain", "@example.com", "user@", "user@nodot", "user@.com", "user@dom.", "a@b@c.com"}

	for _, addr := range valid {
		assert.True(t, validAddress(addr), addr)
	}
	for _, addr := range invalid {
		assert.False(t, validAddress(addr), addr)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	roster := &fakeRoster{}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	cfg := e.normalize(CampaignConfig{})
	assert.Equal(t, "me@example.com", cfg.From)
	assert.Equal(t, "Hello {{name}}", cfg.Subject)
	assert.Equal(t, 2, cfg.StartRow)
	assert.Equal(t, 350, cfg.MaxRows)
	assert.Equal(t, 10, cfg.DelayMinMs)
	assert.Equal(t, 10, cfg.DelayMaxMs) // max floors at min
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 800, cfg.RetryBaseMs)
}

func TestInvalidEmailIsNormalizedInResult(t *testing.T) {
	roster := &fakeRoster{recipients: []sheet.Recipient{{Email: "  BAD ADDRESS  ", RowNum: 2}}}
	sender := &fakeSender{user: "me@example.com"}
	e, _ := newTestEngine(roster, sender)

	res, err := e.RunBatch(context.Background(), CampaignConfig{HTML: "<p>hi</p>"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, strings.ToLower("bad address"), res.Results[0].To)
}
