package template

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/graphtect/sheetmail/internal/pkg/httpretry"
	"github.com/graphtect/sheetmail/internal/pkg/logger"
)

// ErrTemplateMissing means no source produced a non-empty template body.
var ErrTemplateMissing = errors.New("template_missing")

// Resolver picks the HTML body for a batch. Source order: inline override,
// then the remote URL, then the local file. Remote and file failures fall
// through rather than failing the batch; only an empty hand is an error.
type Resolver struct {
	http httpretry.HTTPDoer
	url  string
	file string

	mu       sync.Mutex
	lastGood string
}

// NewResolver builds a resolver over the configured remote URL and local
// fallback file. Either may be empty.
func NewResolver(doer httpretry.HTTPDoer, url, file string) *Resolver {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Resolver{http: doer, url: url, file: file}
}

// Resolve returns the template body for a batch. A non-empty inline body wins
// outright. A successful fetch is cached so a later remote outage degrades to
// the last good copy instead of ErrTemplateMissing.
func (r *Resolver) Resolve(ctx context.Context, inline string) (string, error) {
	if strings.TrimSpace(inline) != "" {
		return inline, nil
	}

	if r.url != "" {
		if body, err := r.fetch(ctx); err != nil {
			logger.Warn("[template] remote fetch failed, falling back", "url", r.url, "error", err.Error())
		} else if body != "" {
			r.remember(body)
			return body, nil
		}
	}

	if r.file != "" {
		if raw, err := os.ReadFile(r.file); err != nil {
			logger.Warn("[template] local file unreadable", "file", r.file, "error", err.Error())
		} else if body := string(raw); strings.TrimSpace(body) != "" {
			r.remember(body)
			return body, nil
		}
	}

	r.mu.Lock()
	cached := r.lastGood
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	return "", ErrTemplateMissing
}

func (r *Resolver) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", errors.New(resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (r *Resolver) remember(body string) {
	r.mu.Lock()
	r.lastGood = body
	r.mu.Unlock()
}
