// Package sheet talks to the spreadsheet service that backs the campaign:
// a thin values-API client plus the roster adapter the dispatcher and the
// open tracker share.
package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/jwt"

	"github.com/graphtect/sheetmail/internal/config"
	"github.com/graphtect/sheetmail/internal/pkg/httpretry"
)

// ErrStoreUnavailable marks any transport or service failure against the
// spreadsheet API. Callers decide whether it is fatal (selection reads)
// or swallow-and-log (status write-backs).
var ErrStoreUnavailable = errors.New("store_unavailable")

const (
	spreadsheetScope = "https://www.googleapis.com/auth/spreadsheets"
	googleTokenURL   = "https://oauth2.googleapis.com/token"
)

// ValueRange pairs an A1-style range with a 2-D block of cell values.
type ValueRange struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// ValuesAPI is the rectangular read/write surface of the tabular store.
// *Client implements it; tests substitute an in-memory fake.
type ValuesAPI interface {
	ValuesGet(ctx context.Context, rng string) ([][]string, error)
	ValuesUpdate(ctx context.Context, rng string, values [][]string) error
	ValuesBatchUpdate(ctx context.Context, data []ValueRange) error
	ValuesAppend(ctx context.Context, rng string, values [][]string) error
}

// Client is a minimal spreadsheet values-API client. Rows are 1-indexed with
// row 1 reserved for the header, columns addressed A1-style.
type Client struct {
	http          httpretry.HTTPDoer
	baseURL       string
	spreadsheetID string
}

// NewClient creates a client on top of an existing HTTP doer, used by tests
// and by NewServiceClient.
func NewClient(doer httpretry.HTTPDoer, baseURL, spreadsheetID string) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: doer, baseURL: baseURL, spreadsheetID: spreadsheetID}
}

// NewServiceClient creates a client authenticated as the configured service
// account (two-legged JWT flow), with transient-error retries on every call.
func NewServiceClient(ctx context.Context, cfg config.SheetConfig) (*Client, error) {
	if cfg.ServiceEmail == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("google service account creds missing (email/key)")
	}
	jwtCfg := &jwt.Config{
		Email:      cfg.ServiceEmail,
		PrivateKey: []byte(cfg.PrivateKey),
		Scopes:     []string{spreadsheetScope},
		TokenURL:   googleTokenURL,
	}
	authed := jwtCfg.Client(ctx)
	authed.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	return NewClient(httpretry.New(authed, 2), cfg.BaseURL, cfg.SpreadsheetID), nil
}

// ValuesGet reads a rectangular range. Cells arrive as strings; short rows
// are returned as-is (padding is the adapter's job).
func (c *Client) ValuesGet(ctx context.Context, rng string) ([][]string, error) {
	u := fmt.Sprintf("%s/%s/values/%s", c.baseURL, c.spreadsheetID, url.PathEscape(rng))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Values [][]any `json:"values"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(out.Values))
	for _, raw := range out.Values {
		row := make([]string, 0, len(raw))
		for _, cell := range raw {
			if cell == nil {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprint(cell))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ValuesUpdate overwrites a rectangular range with the given value block.
func (c *Client) ValuesUpdate(ctx context.Context, rng string, values [][]string) error {
	u := fmt.Sprintf("%s/%s/values/%s?valueInputOption=RAW", c.baseURL, c.spreadsheetID, url.PathEscape(rng))
	body := map[string]any{"values": values}
	req, err := c.jsonRequest(ctx, http.MethodPut, u, body)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// ValuesBatchUpdate applies several (range, values) pairs in one call.
func (c *Client) ValuesBatchUpdate(ctx context.Context, data []ValueRange) error {
	u := fmt.Sprintf("%s/%s/values:batchUpdate", c.baseURL, c.spreadsheetID)
	body := map[string]any{"valueInputOption": "RAW", "data": data}
	req, err := c.jsonRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// ValuesAppend adds rows after the last populated row of the range's table.
func (c *Client) ValuesAppend(ctx context.Context, rng string, values [][]string) error {
	u := fmt.Sprintf("%s/%s/values/%s:append?valueInputOption=RAW", c.baseURL, c.spreadsheetID, url.PathEscape(rng))
	body := map[string]any{"values": values}
	req, err := c.jsonRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) jsonRequest(ctx context.Context, method, u string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// Allow httpretry to replay the body on retries.
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: sheets API status %d: %s", ErrStoreUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrStoreUnavailable, err)
	}
	return nil
}
