// Package tracking attributes email opens: the pixel endpoint plus the
// recorder that folds an open into the recipient's roster row.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/graphtect/sheetmail/internal/sheet"
)

// OpenStore is the roster surface the recorder needs. *sheet.Roster
// implements it.
type OpenStore interface {
	FindRow(ctx context.Context, email string) (int, error)
	ReadStatusWindow(ctx context.Context, row int) (status, openDate, sentDate, reason string, err error)
	WriteOpen(ctx context.Context, row int, status, openDate, sentDate, reason, sendID string) error
	AppendRow(ctx context.Context, row sheet.Row) error
	Now() string
}

// Recorder folds open events into roster rows. Opens are idempotent: the
// first one stamps openDate and the reason tag, later ones change nothing
// they would overwrite.
type Recorder struct {
	store OpenStore
	// overrideFailed lets an open upgrade a Failed row, for setups where a
	// soft bounce can still land in the inbox.
	overrideFailed bool
}

// NewRecorder creates a recorder. overrideFailed maps the
// tracking.open_overrides_failed setting.
func NewRecorder(store OpenStore, overrideFailed bool) *Recorder {
	return &Recorder{store: store, overrideFailed: overrideFailed}
}

// RecordOpen marks the row for email as opened. A missing row is appended
// rather than dropped, so opens from addresses no longer on the roster are
// still visible.
func (r *Recorder) RecordOpen(ctx context.Context, email, sendID string) error {
	email = sheet.NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("open event without an email")
	}

	row, err := r.store.FindRow(ctx, email)
	if errors.Is(err, sheet.ErrRowNotFound) {
		return r.store.AppendRow(ctx, sheet.Row{
			Email:    email,
			Status:   sheet.StatusOpened,
			OpenDate: r.store.Now(),
			SendID:   sendID,
		})
	}
	if err != nil {
		return err
	}

	status, openDate, sentDate, reason, err := r.store.ReadStatusWindow(ctx, row)
	if err != nil {
		return err
	}

	if r.upgrades(status) {
		status = sheet.StatusOpened
	}
	// openDate doubles as the first-open marker: the tag is stamped with it
	// and both survive every later open untouched
	if openDate == "" {
		openDate = r.store.Now()
		reason = joinReason(reason, openTag(sendID))
	}
	return r.store.WriteOpen(ctx, row, status, openDate, sentDate, reason, sendID)
}

func (r *Recorder) upgrades(status string) bool {
	switch status {
	case sheet.StatusBlank, sheet.StatusSent:
		return true
	case sheet.StatusFailed:
		return r.overrideFailed
	}
	return false
}

func openTag(sendID string) string {
	if sendID == "" {
		return "Opened"
	}
	return fmt.Sprintf("Opened (id:%s)", sendID)
}

func joinReason(reason, tag string) string {
	if strings.TrimSpace(reason) == "" {
		return tag
	}
	return reason + "; " + tag
}
