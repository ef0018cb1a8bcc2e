package blackbox

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var modelBytes = bytes.Repeat([]byte("model-weights\n"), 64)

func modelHash() string {
	h := sha256.Sum256(modelBytes)
	return hex.EncodeToString(h[:])
}

// stubBackend serves the model-info endpoint plus the signed download URL.
type stubBackend struct {
	srv       *httptest.Server
	fileHits  int32
	infoHits  int32
	notModded int32
}

func newStubBackend(t *testing.T) *stubBackend {
	t.Helper()
	b := &stubBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/apps/blackbox/models/pose-detection", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.infoHits, 1)
		if r.Header.Get("If-None-Match") == `"`+modelHash()+`"` {
			atomic.AddInt32(&b.notModded, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":         "pose-detection",
			"download_url": b.srv.URL + "/files/pose",
			"content_hash": modelHash(),
			"size_bytes":   len(modelBytes),
			"url_expiry":   time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/files/pose", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.fileHits, 1)
		w.Write(modelBytes)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/tests/blackbox/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), "modelcached")
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/modelcached")
	cmd.Dir = projectRootFromThisFile(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}
	return binPath
}

func startDaemon(t *testing.T, bin, backendURL string) string {
	t.Helper()
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	cmd := exec.Command(bin,
		"--addr", fmt.Sprintf(":%d", port),
		"--data-dir", t.TempDir(),
		"--app-id", "blackbox",
		"--backend-url", backendURL,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

type event struct {
	Event    string          `json:"event"`
	Fraction float64         `json:"fraction,omitempty"`
	Model    json.RawMessage `json:"model,omitempty"`
	Error    string          `json:"error,omitempty"`
	Code     int             `json:"code,omitempty"`
}

func download(t *testing.T, base, name, body string) []event {
	t.Helper()
	resp, err := http.Post(base+"/v1/models/"+name+"/download", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("download status %d: %s", resp.StatusCode, b)
	}
	var events []event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad stream line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("empty download stream")
	}
	return events
}

func listModels(t *testing.T, base string) []map[string]any {
	t.Helper()
	resp, err := http.Get(base + "/v1/models")
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Models []map[string]any `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	return out.Models
}

func TestDownloadLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("blackbox test builds and runs the daemon")
	}
	backend := newStubBackend(t)
	bin := buildBinary(t)
	base := startDaemon(t, bin, backend.srv.URL)

	// First download moves bytes and commits a record.
	events := download(t, base, "pose-detection", "")
	last := events[len(events)-1]
	if last.Event != "complete" {
		t.Fatalf("terminal event: %+v", last)
	}
	models := listModels(t, base)
	if len(models) != 1 || models[0]["name"] != "pose-detection" {
		t.Fatalf("listing after download: %+v", models)
	}
	if atomic.LoadInt32(&backend.fileHits) != 1 {
		t.Fatalf("file fetched %d times, want 1", backend.fileHits)
	}

	// Second download is conditional and transfers nothing.
	events = download(t, base, "pose-detection", "")
	if events[len(events)-1].Event != "complete" {
		t.Fatalf("second download terminal event: %+v", events[len(events)-1])
	}
	if atomic.LoadInt32(&backend.notModded) != 1 {
		t.Fatalf("conditional revalidation not observed (304s: %d)", backend.notModded)
	}
	if atomic.LoadInt32(&backend.fileHits) != 1 {
		t.Fatalf("unchanged model re-fetched (file hits: %d)", backend.fileHits)
	}

	// local type is served from disk without touching the backend.
	before := atomic.LoadInt32(&backend.infoHits)
	events = download(t, base, "pose-detection", `{"download_type":"local"}`)
	if events[len(events)-1].Event != "complete" {
		t.Fatalf("local download terminal event: %+v", events[len(events)-1])
	}
	if atomic.LoadInt32(&backend.infoHits) != before {
		t.Fatal("local download type hit the backend")
	}

	// Unknown models surface as a 404-coded error event.
	events = download(t, base, "no-such-model", "")
	last = events[len(events)-1]
	if last.Event != "error" || last.Code != http.StatusNotFound {
		t.Fatalf("unknown model terminal event: %+v", last)
	}

	// Delete is idempotent and empties the listing.
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodDelete, base+"/v1/models/pose-detection", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete %d status %d", i, resp.StatusCode)
		}
	}
	if models := listModels(t, base); len(models) != 0 {
		t.Fatalf("listing after delete: %+v", models)
	}

	// Metrics surface the download counters.
	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "modelcached_downloads_started_total") {
		t.Fatal("download metrics missing from /metrics")
	}
}
