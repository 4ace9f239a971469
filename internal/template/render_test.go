package template

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	ctx := map[string]string{
		"name":       "Ava",
		"company":    "Acme",
		"send-id":    "abc-123",
		"user.email": "ava@example.com",
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Hi {{name}},", "Hi Ava,"},
		{"whitespace", "Hi {{  name  }} from {{ company }}", "Hi Ava from Acme"},
		{"hyphen and dot keys", "{{send-id}}|{{user.email}}", "abc-123|ava@example.com"},
		{"unknown key empties", "Hi {{nickname}}!", "Hi !"},
		{"malformed passes through", "Hi {{ first name }} {{}}", "Hi {{ first name }} {{}}"},
		{"no placeholders", "plain text", "plain text"},
		{"repeated key", "{{name}} {{name}}", "Ava Ava"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.in, ctx))
		})
	}
}

func TestRenderIsIdempotentOnOutput(t *testing.T) {
	ctx := map[string]string{"name": "Ava"}
	once := Render("Hi {{name}}", ctx)
	assert.Equal(t, once, Render(once, ctx))
}

func TestResolveInlineWins(t *testing.T) {
	r := NewResolver(nil, "http://unreachable.invalid/t.html", "/no/such/file")
	got, err := r.Resolve(context.Background(), "<p>inline</p>")
	require.NoError(t, err)
	assert.Equal(t, "<p>inline</p>", got)
}

func TestResolveURLThenCache(t *testing.T) {
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if fail {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Write([]byte("<p>remote</p>"))
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), srv.URL, "")
	got, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "<p>remote</p>", got)

	// Remote outage degrades to the cached copy.
	fail = true
	got, err = r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "<p>remote</p>", got)
}

func TestResolveFallsThroughToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "tpl.html")
	require.NoError(t, os.WriteFile(path, []byte("<p>disk</p>"), 0o644))

	r := NewResolver(srv.Client(), srv.URL, path)
	got, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "<p>disk</p>", got)
}

func TestResolveEmptyHanded(t *testing.T) {
	r := NewResolver(nil, "", filepath.Join(t.TempDir(), "missing.html"))
	_, err := r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrTemplateMissing)
}
