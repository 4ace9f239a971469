package sheet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Column layout of the roster tab. Row 1 is the header.
//
//	A email | B company | C name | D status | E open date | F sent date |
//	G reason | H send id
const (
	colEmail = iota
	colCompany
	colName
	colStatus
	colOpenDate
	colSentDate
	colReason
	colSendID
	columnCount
)

// Delivery statuses recorded in column D.
const (
	StatusBlank  = ""
	StatusSent   = "Sent"
	StatusOpened = "Opened"
	StatusFailed = "Failed"
)

// TimestampLayout is the cell format used for open/sent dates.
const TimestampLayout = "02/01/2006, 15:04:05"

// ErrRowNotFound is returned by FindRow when no row carries the email.
var ErrRowNotFound = errors.New("row not found")

// Row is one recipient record as stored in the sheet.
type Row struct {
	Index    int // 1-based sheet row number
	Email    string
	Company  string
	Name     string
	Status   string
	OpenDate string
	SentDate string
	Reason   string
	SendID   string
}

// Filter selects which rows are eligible for a dispatch batch.
type Filter struct {
	StatusIn []string
	StartRow int
	MaxRows  int
}

// Recipient is an eligible row reduced to what the dispatcher needs.
type Recipient struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
	RowNum  int    `json:"row,omitempty"`
}

// Roster is the store adapter for the recipient tab. It never retries
// internally; retry/abort policy belongs to the caller.
type Roster struct {
	api ValuesAPI
	tab string
	loc *time.Location
}

// NewRoster creates a roster adapter over the given values API.
func NewRoster(api ValuesAPI, tab string, loc *time.Location) *Roster {
	if loc == nil {
		loc = time.UTC
	}
	return &Roster{api: api, tab: tab, loc: loc}
}

// Now returns the current time formatted the way the sheet stores timestamps,
// in the roster's configured location.
func (r *Roster) Now() string {
	return time.Now().In(r.loc).Format(TimestampLayout)
}

// NormalizeEmail is the canonical form used for row identity.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ReadRange reads rows from startRow to the end of the tab. Short rows are
// padded so every Row has all eight columns.
func (r *Roster) ReadRange(ctx context.Context, startRow int) ([]Row, error) {
	if startRow < 2 {
		startRow = 2
	}
	raw, err := r.api.ValuesGet(ctx, r.ref(fmt.Sprintf("A%d:H", startRow)))
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(raw))
	for i, cells := range raw {
		cells = pad(cells)
		rows = append(rows, Row{
			Index:    startRow + i,
			Email:    strings.TrimSpace(cells[colEmail]),
			Company:  cells[colCompany],
			Name:     cells[colName],
			Status:   strings.TrimSpace(cells[colStatus]),
			OpenDate: strings.TrimSpace(cells[colOpenDate]),
			SentDate: cells[colSentDate],
			Reason:   cells[colReason],
			SendID:   cells[colSendID],
		})
	}
	return rows, nil
}

// FindRow scans the email column for a normalized match and returns the
// 1-based sheet row number. O(n) in tab size; campaigns are bounded to a few
// thousand rows, and this is not a hot path.
func (r *Roster) FindRow(ctx context.Context, email string) (int, error) {
	want := NormalizeEmail(email)
	values, err := r.api.ValuesGet(ctx, r.ref("A2:A"))
	if err != nil {
		return 0, err
	}
	for i, row := range values {
		if len(row) > 0 && NormalizeEmail(row[0]) == want {
			return i + 2, nil // +2 for header offset
		}
	}
	return 0, ErrRowNotFound
}

// ReadStatusWindow reads the D:G window of one row: status, open date,
// sent date, reason.
func (r *Roster) ReadStatusWindow(ctx context.Context, row int) (status, openDate, sentDate, reason string, err error) {
	values, err := r.api.ValuesGet(ctx, r.ref(fmt.Sprintf("D%d:G%d", row, row)))
	if err != nil {
		return "", "", "", "", err
	}
	cells := []string{"", "", "", ""}
	if len(values) > 0 {
		copy(cells, values[0])
	}
	return strings.TrimSpace(cells[0]), strings.TrimSpace(cells[1]), cells[2], cells[3], nil
}

// WriteStatus records a send outcome: one atomic D:G window write of
// [status, "", timestamp, reason]. The open-date slot is cleared because a
// send transition starts a fresh delivery record for the row.
func (r *Roster) WriteStatus(ctx context.Context, row int, status, timestamp, reason string) error {
	return r.api.ValuesUpdate(ctx, r.ref(fmt.Sprintf("D%d:G%d", row, row)),
		[][]string{{status, "", timestamp, reason}})
}

// WriteOpen records an open transition. The caller computes the full D:G
// window so values it does not intend to change are preserved; when a send id
// is present the H cell joins the same batch so the row updates as one call.
func (r *Roster) WriteOpen(ctx context.Context, row int, status, openDate, sentDate, reason, sendID string) error {
	data := []ValueRange{{
		Range:  r.ref(fmt.Sprintf("D%d:G%d", row, row)),
		Values: [][]string{{status, openDate, sentDate, reason}},
	}}
	if sendID != "" {
		data = append(data, ValueRange{
			Range:  r.ref(fmt.Sprintf("H%d", row)),
			Values: [][]string{{sendID}},
		})
	}
	return r.api.ValuesBatchUpdate(ctx, data)
}

// AppendRow adds a full A:H row at the end of the tab.
func (r *Roster) AppendRow(ctx context.Context, row Row) error {
	return r.api.ValuesAppend(ctx, r.ref("A:H"), [][]string{{
		row.Email, row.Company, row.Name, row.Status,
		row.OpenDate, row.SentDate, row.Reason, row.SendID,
	}})
}

// Eligible builds the recipient set for a batch: rows with a non-empty email
// whose status is in the filter set, in sheet order, truncated to MaxRows
// (MaxRows <= 0 means no cap).
func (r *Roster) Eligible(ctx context.Context, f Filter) ([]Recipient, error) {
	rows, err := r.ReadRange(ctx, f.StartRow)
	if err != nil {
		return nil, err
	}

	statusSet := make(map[string]bool, len(f.StatusIn))
	for _, s := range f.StatusIn {
		statusSet[strings.TrimSpace(s)] = true
	}

	var out []Recipient
	for _, row := range rows {
		if row.Email == "" || !statusSet[row.Status] {
			continue
		}
		out = append(out, Recipient{
			Email:   row.Email,
			Name:    displayName(row),
			Company: row.Company,
			RowNum:  row.Index,
		})
		if f.MaxRows > 0 && len(out) >= f.MaxRows {
			break
		}
	}
	return out, nil
}

// displayName falls back name → company → local part of the email.
func displayName(row Row) string {
	if row.Name != "" {
		return row.Name
	}
	if row.Company != "" {
		return row.Company
	}
	if at := strings.Index(row.Email, "@"); at > 0 {
		return row.Email[:at]
	}
	return row.Email
}

func (r *Roster) ref(cells string) string {
	return fmt.Sprintf("'%s'!%s", r.tab, cells)
}

func pad(cells []string) []string {
	if len(cells) >= columnCount {
		return cells
	}
	padded := make([]string, columnCount)
	copy(padded, cells)
	return padded
}
