package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/eva/internal/capture"
	"github.com/ent0n29/eva/internal/loopback"
	"github.com/ent0n29/eva/internal/observability"
	"github.com/ent0n29/eva/internal/session"
)

type apiHarness struct {
	ts     *httptest.Server
	ctrl   *session.Controller
	stages *observability.StageWindow
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	backend := httptest.NewServer(loopback.New(loopback.Options{}).Handler())
	t.Cleanup(backend.Close)

	metrics := observability.NewMetrics("test_httpapi_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + time.Now().Format("150405000000"))
	stages := observability.NewStageWindow(64)
	ctrl := session.New(session.Options{
		ClientID: "api-client",
		Endpoint: "ws" + strings.TrimPrefix(backend.URL, "http") + "/ws",
		Devices:  capture.BuiltinDevices{Microphone: "silence", Camera: "pattern", Screen: "pattern"},
		Audio:    capture.AudioConfig{BlockSize: 160},
		Video:    capture.VideoConfig{Interval: 20 * time.Millisecond},
		Metrics:  metrics,
		Stages:   stages,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ts := httptest.NewServer(New(ctrl, metrics, stages, "memory").Router())
	t.Cleanup(ts.Close)
	return &apiHarness{ts: ts, ctrl: ctrl, stages: stages}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return res.StatusCode, out
}

func (h *apiHarness) waitPhase(t *testing.T, phase session.Phase, streaming bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := h.ctrl.Snapshot()
		if st.Phase == phase && st.Streaming == streaming {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached phase %s (streaming=%v): %+v", phase, streaming, h.ctrl.Snapshot())
}

func TestHealthAndIdleSession(t *testing.T) {
	h := newAPIHarness(t)

	status, body := h.do(t, http.MethodGet, "/healthz", "")
	if status != http.StatusOK || body["status"] != "ok" || body["transcript_store"] != "memory" {
		t.Fatalf("healthz = %d %v", status, body)
	}
	status, body = h.do(t, http.MethodGet, "/v1/session", "")
	if status != http.StatusOK {
		t.Fatalf("GET /v1/session status = %d", status)
	}
	if body["phase"] != "idle" || body["client_id"] != "api-client" || body["chat_mode"] != "none" {
		t.Fatalf("session = %v, want idle api-client", body)
	}
}

func TestSetConfig(t *testing.T) {
	h := newAPIHarness(t)

	status, body := h.do(t, http.MethodPut, "/v1/session/config", `{"voice":"Nova"}`)
	if status != http.StatusBadRequest || body["code"] != "invalid_voice" {
		t.Fatalf("PUT invalid voice = %d %v, want 400 invalid_voice", status, body)
	}
	status, body = h.do(t, http.MethodPut, "/v1/session/config",
		`{"systemPrompt":"be brief","voice":"Charon","googleSearch":false,"allowInterruptions":true}`)
	if status != http.StatusOK {
		t.Fatalf("PUT config status = %d %v", status, body)
	}
	cfg, _ := body["config"].(map[string]any)
	if cfg["voice"] != "Charon" || cfg["systemPrompt"] != "be brief" || cfg["allowInterruptions"] != true {
		t.Fatalf("config = %v", cfg)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)

	status, body := h.do(t, http.MethodPost, "/v1/session/start", `{"mode":"hologram"}`)
	if status != http.StatusBadRequest || body["code"] != "invalid_mode" {
		t.Fatalf("start bogus mode = %d %v, want 400 invalid_mode", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/v1/chat-watcher/start", `{"input":"dQw4w9WgXcQ"}`)
	if status != http.StatusConflict || body["code"] != "not_connected" {
		t.Fatalf("chat watcher while idle = %d %v, want 409 not_connected", status, body)
	}

	status, _ = h.do(t, http.MethodPost, "/v1/session/start", `{"mode":"audio"}`)
	if status != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", status)
	}
	status, body = h.do(t, http.MethodPost, "/v1/session/start", "")
	if status != http.StatusConflict || body["code"] != "already_started" {
		t.Fatalf("second start = %d %v, want 409 already_started", status, body)
	}
	h.waitPhase(t, session.PhaseActive, true)

	status, body = h.do(t, http.MethodPut, "/v1/session/config", `{"voice":"Puck"}`)
	if status != http.StatusConflict || body["code"] != "config_locked" {
		t.Fatalf("config while active = %d %v, want 409 config_locked", status, body)
	}

	status, body = h.do(t, http.MethodPost, "/v1/chat-watcher/start", `{"input":"not a video"}`)
	if status != http.StatusBadRequest || body["code"] != "invalid_video_id" {
		t.Fatalf("chat watcher invalid = %d %v, want 400 invalid_video_id", status, body)
	}
	status, _ = h.do(t, http.MethodPost, "/v1/chat-watcher/start", `{"input":"https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`)
	if status != http.StatusAccepted {
		t.Fatalf("chat watcher start status = %d, want 202", status)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, body = h.do(t, http.MethodGet, "/v1/transcript?kind=chat&limit=5", "")
		if entries, _ := body["entries"].([]any); len(entries) == 1 {
			entry, _ := entries[0].(map[string]any)
			if !strings.HasPrefix(entry["text"].(string), "[YouTube] loopback:") {
				t.Fatalf("chat entry = %v", entry)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("chat entry never persisted: %v", body)
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, body = h.do(t, http.MethodPost, "/v1/session/video/toggle", "")
	if status != http.StatusOK || body["video_source"] != "camera" || body["video_enabled"] != true {
		t.Fatalf("toggle = %d %v, want camera enabled", status, body)
	}

	status, body = h.do(t, http.MethodPost, "/v1/session/stop", "")
	if status != http.StatusOK || body["phase"] != "idle" || body["streaming"] != false {
		t.Fatalf("stop = %d %v, want idle", status, body)
	}
	status, body = h.do(t, http.MethodPost, "/v1/session/video/toggle", "")
	if status != http.StatusConflict || body["code"] != "not_connected" {
		t.Fatalf("toggle after stop = %d %v, want 409", status, body)
	}

	status, body = h.do(t, http.MethodGet, "/v1/diagnostics/latency", "")
	if status != http.StatusOK {
		t.Fatalf("latency status = %d", status)
	}
	stages, _ := body["stages"].([]any)
	if len(stages) == 0 {
		t.Fatalf("latency snapshot has no stages after a session: %v", body)
	}
}

func TestTranscriptRejectsBadQuery(t *testing.T) {
	h := newAPIHarness(t)
	for _, path := range []string{"/v1/transcript?limit=0", "/v1/transcript?limit=x", "/v1/transcript?kind=notes"} {
		status, body := h.do(t, http.MethodGet, path, "")
		if status != http.StatusBadRequest {
			t.Fatalf("GET %s = %d %v, want 400", path, status, body)
		}
	}
	status, body := h.do(t, http.MethodGet, "/v1/transcript", "")
	if status != http.StatusOK {
		t.Fatalf("GET /v1/transcript = %d", status)
	}
	if entries, ok := body["entries"].([]any); !ok || len(entries) != 0 {
		t.Fatalf("entries = %v, want empty list", body["entries"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	res, err := http.Get(h.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", res.StatusCode)
	}
}
