package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"modelcached/internal/errdefs"
	"modelcached/pkg/types"
)

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    srv.URL,
		APIKey:     "key-123",
		AppID:      "app",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func descriptorJSON(hash string) []byte {
	b, _ := json.Marshal(types.ModelDescriptor{
		Name:        "pose-detection",
		DownloadURL: "https://downloads.example.com/pose?sig=x",
		ContentHash: hash,
		SizeBytes:   1000,
		URLExpiry:   time.Now().Add(time.Hour),
	})
	return b
}

func TestResolveFreshDescriptor(t *testing.T) {
	var gotPath, gotKey, gotINM string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotINM = r.Header.Get("If-None-Match")
		w.Header().Set("Content-Type", "application/json")
		w.Write(descriptorJSON("abc"))
	}))
	defer srv.Close()

	out, err := newClient(t, srv).Resolve(context.Background(), "pose-detection", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Unchanged || out.Descriptor == nil {
		t.Fatalf("expected descriptor, got %+v", out)
	}
	if out.Descriptor.ContentHash != "abc" || out.Descriptor.SizeBytes != 1000 {
		t.Fatalf("descriptor fields: %+v", out.Descriptor)
	}
	if gotPath != "/v1/apps/app/models/pose-detection" {
		t.Fatalf("request path: %q", gotPath)
	}
	if gotKey != "key-123" {
		t.Fatalf("api key header: %q", gotKey)
	}
	if gotINM != "" {
		t.Fatalf("unconditional fetch sent If-None-Match: %q", gotINM)
	}
}

func TestResolveConditionalNotModified(t *testing.T) {
	var gotINM string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotINM = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	local := &types.LocalModelRecord{Name: "pose-detection", ContentHash: "abc"}
	out, err := newClient(t, srv).Resolve(context.Background(), "pose-detection", local)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Unchanged {
		t.Fatalf("expected unchanged, got %+v", out)
	}
	if gotINM != `"abc"` {
		t.Fatalf("If-None-Match: %q", gotINM)
	}
}

func TestResolveNewVersionSupersedesLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(descriptorJSON("def"))
	}))
	defer srv.Close()

	local := &types.LocalModelRecord{Name: "pose-detection", ContentHash: "abc"}
	out, err := newClient(t, srv).Resolve(context.Background(), "pose-detection", local)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Unchanged || out.Descriptor.ContentHash != "def" {
		t.Fatalf("expected superseding descriptor, got %+v", out)
	}
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	_, err := newClient(t, srv).Resolve(context.Background(), "missing", nil)
	if !errdefs.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestResolveAuthFailureIsBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	_, err := newClient(t, srv).Resolve(context.Background(), "m", nil)
	if !errdefs.IsBackend(err) {
		t.Fatalf("expected backend failure, got %v", err)
	}
}

func TestResolveServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	_, err := newClient(t, srv).Resolve(context.Background(), "m", nil)
	if !errdefs.IsNetwork(err) {
		t.Fatalf("expected network failure, got %v", err)
	}
}

func TestResolveMalformedDescriptorIsBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"m"}`))
	}))
	defer srv.Close()
	_, err := newClient(t, srv).Resolve(context.Background(), "m", nil)
	if !errdefs.IsBackend(err) {
		t.Fatalf("expected backend failure for empty descriptor, got %v", err)
	}
}

func TestResolveUnexpected304WithoutLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()
	_, err := newClient(t, srv).Resolve(context.Background(), "m", nil)
	if !errdefs.IsBackend(err) {
		t.Fatalf("expected backend failure, got %v", err)
	}
}

type staticTokens struct{ tok string }

func (s staticTokens) Token(context.Context) (string, error) { return s.tok, nil }

func TestResolveSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write(descriptorJSON("abc"))
	}))
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL, AppID: "app", HTTPClient: srv.Client(), Tokens: staticTokens{tok: "tok-1"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Resolve(context.Background(), "m", nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization: %q", gotAuth)
	}
}
