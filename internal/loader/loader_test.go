package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestResolveRelative(t *testing.T) {
	got, err := Resolve("./util.ts", "https://example.com/mod/entry.ts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://example.com/mod/util.ts"
	if got.String() != want {
		t.Fatalf("got %q, want %q", got.String(), want)
	}
}

func TestLoadRejectsDynamicImport(t *testing.T) {
	l := New()
	u, _ := url.Parse("https://example.com/mod.js")
	_, err := l.Load(context.Background(), u, true)
	if err == nil {
		t.Fatal("expected error for dynamic import")
	}
}

func TestLoadRejectsNonHTTPS(t *testing.T) {
	l := New()
	u, _ := url.Parse("http://example.com/mod.js")
	_, err := l.Load(context.Background(), u, false)
	if err == nil {
		t.Fatal("expected error for non-https scheme")
	}
}

func TestLoadAppendsTargetParam(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Write([]byte("export default 1;"))
	}))
	defer srv.Close()

	l := &ModuleLoader{client: srv.Client()}
	u, _ := url.Parse(srv.URL + "/mod.js")
	u.Scheme = "https"

	res, err := l.Load(context.Background(), u, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotQuery.Get("target") != "deno" {
		t.Fatalf("expected target=deno query param, got %v", gotQuery)
	}
	if res.Type != MediaJavaScript {
		t.Fatalf("expected JavaScript media type, got %v", res.Type)
	}
}

func TestLoadNon2xxFails(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l := &ModuleLoader{client: srv.Client()}
	u, _ := url.Parse(srv.URL + "/missing.js")
	u.Scheme = "https"

	_, err := l.Load(context.Background(), u, false)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestClassifyContentType(t *testing.T) {
	tests := map[string]MediaType{
		"application/javascript": MediaJavaScript,
		"text/javascript":        MediaJavaScript,
		"application/wasm":       MediaWasm,
		"application/json":       MediaJSON,
		"text/plain":             MediaText,
		"application/xml":        MediaOther,
	}
	for ct, want := range tests {
		if got := classifyContentType(ct); got != want {
			t.Errorf("classifyContentType(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestTranspileUnsupportedExtension(t *testing.T) {
	if _, err := Transpile("https://example.com/mod.xyz", "whatever"); err == nil {
		t.Fatal("expected unsupported media type error")
	}
}

func TestTranspileTypeScript(t *testing.T) {
	src := `export default function(x: number): number { return x + 1 }`
	out, err := Transpile("https://example.com/mod.ts", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty transpiled output")
	}
}

func TestTranspileTSXSyntaxError(t *testing.T) {
	src := `export default function(: <Broken`
	if _, err := Transpile("https://example.com/mod.tsx", src); err == nil {
		t.Fatal("expected syntax error for invalid TSX")
	}
}
