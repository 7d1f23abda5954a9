package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func webfetchServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><style>body{color:red}</style><script>var x = 1;</script></head>` +
			`<body><h1>Title</h1><p>Hello <b>world</b></p><noscript>enable js</noscript></body></html>`))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("just text"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	mux.HandleFunc("/huge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("a", maxResponseSize+10)))
	})
	mux.HandleFunc("/ua", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(r.Header.Get("User-Agent")))
	})
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runFetch(t *testing.T, srv *httptest.Server, in map[string]any) (string, error) {
	t.Helper()
	env := Env{HTTP: srv.Client()}
	out, err := Run(context.Background(), env, "webfetch", mustJSON(t, in))
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func TestWebfetch_Formats(t *testing.T) {
	srv := webfetchServer(t)

	text, err := runFetch(t, srv, map[string]any{"url": srv.URL + "/page", "format": "text"})
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "TitleHello world" {
		t.Errorf("text = %q", text)
	}

	markdown, err := runFetch(t, srv, map[string]any{"url": srv.URL + "/page"})
	if err != nil {
		t.Fatalf("markdown: %v", err)
	}
	if !strings.Contains(markdown, "# Title") || !strings.Contains(markdown, "**world**") {
		t.Errorf("markdown = %q", markdown)
	}
	for _, banned := range []string{"color:red", "var x", "enable js"} {
		if strings.Contains(markdown, banned) {
			t.Errorf("markdown contains stripped content %q: %q", banned, markdown)
		}
	}

	raw, err := runFetch(t, srv, map[string]any{"url": srv.URL + "/page", "format": "html"})
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if !strings.Contains(raw, "<script>var x = 1;</script>") {
		t.Errorf("html = %q", raw)
	}
}

func TestWebfetch_NonHTMLMarkdownFenced(t *testing.T) {
	srv := webfetchServer(t)
	got, err := runFetch(t, srv, map[string]any{"url": srv.URL + "/plain", "format": "markdown"})
	if err != nil {
		t.Fatalf("webfetch: %v", err)
	}
	if got != "```\njust text\n```" {
		t.Errorf("got = %q", got)
	}
}

func TestWebfetch_UpgradesHTTP(t *testing.T) {
	srv := webfetchServer(t)
	insecure := "http://" + strings.TrimPrefix(srv.URL, "https://") + "/ua"
	got, err := runFetch(t, srv, map[string]any{"url": insecure, "format": "text"})
	if err != nil {
		t.Fatalf("webfetch: %v", err)
	}
	if !strings.HasPrefix(got, "Mozilla/5.0") {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestWebfetch_Errors(t *testing.T) {
	srv := webfetchServer(t)
	tests := []struct {
		name string
		in   map[string]any
		want string
	}{
		{"bad scheme", map[string]any{"url": "ftp://example.com"}, "URL must start with http:// or https://"},
		{"bad format", map[string]any{"url": srv.URL + "/plain", "format": "pdf"}, "format must be one of"},
		{"status", map[string]any{"url": srv.URL + "/missing"}, "Request failed with status code: 404"},
		{"too large", map[string]any{"url": srv.URL + "/huge", "format": "html"}, "Response too large (exceeds 5MB limit)"},
		{"negative timeout", map[string]any{"url": srv.URL + "/plain", "timeout": -1}, "timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runFetch(t, srv, tt.in)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestExtractText_NestedSkips(t *testing.T) {
	got := extractText(`<div>a<object><param>b</param><object>c</object>d</object>e<embed src="x">f</div>`)
	if got != "aef" {
		t.Errorf("extractText = %q, want %q", got, "aef")
	}
}
