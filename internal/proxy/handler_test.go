package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cnrmurphy/sentinel/internal/agents"
	"github.com/cnrmurphy/sentinel/internal/bus"
	"github.com/cnrmurphy/sentinel/internal/events"
	"github.com/cnrmurphy/sentinel/internal/testutil"
)

type fixture struct {
	store   *testutil.MockStore
	bus     *bus.Bus
	handler *Handler
}

func newFixture(t *testing.T, upstreamURL string, maxBody int64) *fixture {
	t.Helper()
	ms := testutil.NewMockStore()
	b := bus.New(64)
	rec := bus.NewRecorder(ms, b)
	reg := agents.NewRegistry(ms, 5*time.Minute)

	h, err := New(rec, reg, Config{
		UpstreamURL:    upstreamURL,
		MaxBodyBytes:   maxBody,
		TapBufferBytes: 4 << 20,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &fixture{store: ms, bus: b, handler: h}
}

// waitForEvents polls until the store holds n events; response events are
// recorded after the client sees the last byte.
func (f *fixture) waitForEvents(t *testing.T, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evts, _ := f.store.RecentEvents(context.Background(), n+10, "")
		if len(evts) >= n {
			ordered := make([]events.Event, len(evts))
			for i, e := range evts {
				ordered[len(evts)-1-i] = e
			}
			return ordered
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("store never reached %d events", n)
	return nil
}

const simpleRequestBody = `{"model":"m","messages":[{"role":"user","content":"hi"}],"metadata":{"user_id":"acct_session_sess-1"}}`

func TestProxy_TransparentBody(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0xff, 0x42, 0xc3, 0xa9}, 4096)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, 10<<20)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(simpleRequestBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("body not byte-exact: %d vs %d bytes", len(got), len(payload))
	}
}

func TestProxy_ForwardsMethodPathAndHeaders(t *testing.T) {
	var seen struct {
		method, path, query, auth, host string
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.method = r.Method
		seen.path = r.URL.Path
		seen.query = r.URL.RawQuery
		seen.auth = r.Header.Get("X-Api-Key")
		seen.host = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, 10<<20)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages?beta=true", strings.NewReader("{}"))
	req.Header.Set("X-Api-Key", "sk-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if seen.method != http.MethodPost || seen.path != "/v1/messages" || seen.query != "beta=true" {
		t.Errorf("request line not preserved: %+v", seen)
	}
	if seen.auth != "sk-test" {
		t.Errorf("auth header not forwarded: %q", seen.auth)
	}
	if want := strings.TrimPrefix(upstream.URL, "http://"); seen.host != want {
		t.Errorf("host not rewritten to upstream: %q != %q", seen.host, want)
	}
}

func TestProxy_OversizeBodyRejected(t *testing.T) {
	contacted := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contacted = true
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, 1024)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	big := bytes.Repeat([]byte("x"), 2048)
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", bytes.NewReader(big))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
	if contacted {
		t.Error("upstream must not be contacted for oversize bodies")
	}
	if f.store.InsertCalls != 0 {
		t.Errorf("no events may be persisted, got %d inserts", f.store.InsertCalls)
	}
}

func TestProxy_UpstreamFailureIs502WithErrorEvent(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", 10<<20)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(simpleRequestBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}

	evts := f.waitForEvents(t, 2)
	if evts[0].Payload.UserMessage == nil {
		t.Errorf("first event should be the request, got %s", evts[0].Payload.Type())
	}
	last := evts[len(evts)-1]
	if last.Payload.Error == nil {
		t.Fatalf("expected error event, got %s", last.Payload.Type())
	}
	if last.Payload.Error.Source != "upstream" {
		t.Errorf("unexpected error source: %q", last.Payload.Error.Source)
	}
}

const streamBody = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","model":"m","usage":{"input_tokens":5}}}` + "\n\n" +
	"event: content_block_start\n" +
	`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}` + "\n\n" +
	"event: content_block_stop\n" +
	`data: {"type":"content_block_stop","index":0}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

func TestProxy_StreamingTurnRecordsBothEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range strings.SplitAfter(streamBody, "\n\n") {
			fmt.Fprint(w, part)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, 10<<20)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(simpleRequestBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != streamBody {
		t.Errorf("stream not byte-exact:\n%q\nvs\n%q", body, streamBody)
	}

	evts := f.waitForEvents(t, 2)
	if evts[0].Payload.UserMessage == nil {
		t.Fatalf("first event should be user_message, got %s", evts[0].Payload.Type())
	}
	if evts[0].Payload.UserMessage.Text != "hi" {
		t.Errorf("wrong user text: %q", evts[0].Payload.UserMessage.Text)
	}
	if evts[0].SessionID != "sess-1" {
		t.Errorf("session not derived from metadata.user_id: %q", evts[0].SessionID)
	}

	r := evts[1].Payload.AssistantResponse
	if r == nil {
		t.Fatalf("second event should be assistant_response, got %s", evts[1].Payload.Type())
	}
	if r.Text != "Hello" {
		t.Errorf("reconstructed text wrong: %q", r.Text)
	}
	if r.Thinking != "" {
		t.Errorf("expected empty thinking, got %q", r.Thinking)
	}
	if len(r.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(r.ToolCalls))
	}
	if r.Usage.InputTokens == nil || *r.Usage.InputTokens != 5 {
		t.Errorf("input tokens wrong: %v", r.Usage.InputTokens)
	}
	if r.Usage.OutputTokens == nil || *r.Usage.OutputTokens != 1 {
		t.Errorf("output tokens wrong: %v", r.Usage.OutputTokens)
	}
	if evts[0].Seq >= evts[1].Seq {
		t.Errorf("request event must precede response event: %d vs %d", evts[0].Seq, evts[1].Seq)
	}

	if evts[0].Agent == "" || evts[0].Agent != evts[1].Agent {
		t.Errorf("agent attribution inconsistent: %q vs %q", evts[0].Agent, evts[1].Agent)
	}
}

func TestProxy_ActivityPhasesReachBusOnly(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, streamBody)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, 10<<20)
	_, ch := f.bus.Subscribe()

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(simpleRequestBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	f.waitForEvents(t, 2)

	sawWriting := false
	timeout := time.After(2 * time.Second)
	for !sawWriting {
		select {
		case d := <-ch:
			if d.Event != nil && d.Event.Payload.AgentActivity != nil {
				if d.Event.Payload.AgentActivity.Phase == events.PhaseWriting {
					sawWriting = true
				}
				if d.Event.Seq != 0 {
					t.Errorf("activity event must not carry a seq: %d", d.Event.Seq)
				}
			}
		case <-timeout:
			t.Fatal("never saw a writing phase on the bus")
		}
	}

	for _, e := range f.store.Events {
		if e.Payload.AgentActivity != nil {
			t.Error("agent_activity was persisted")
		}
	}
}

func TestProxy_ExplicitAgentHeaderWins(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, 10<<20)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", strings.NewReader(simpleRequestBody))
	req.Header.Set(AgentHeader, "my-agent")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	evts := f.waitForEvents(t, 1)
	if evts[0].SessionID != "my-agent" {
		t.Errorf("explicit header should drive identity, got %q", evts[0].SessionID)
	}
}

func TestProxy_TelemetryPathsProduceNoEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, 10<<20)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/event_logging/batch", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	time.Sleep(50 * time.Millisecond)
	if f.store.InsertCalls != 0 {
		t.Errorf("telemetry call produced %d events", f.store.InsertCalls)
	}
}

func TestIdentity_Derivation(t *testing.T) {
	mkReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		r.RemoteAddr = "10.0.0.1:55555"
		return r
	}

	r := mkReq()
	r.Header.Set(AgentHeader, "explicit")
	if got := identity(r, &apiRequest{}); got != "explicit" {
		t.Errorf("header should win: %q", got)
	}

	req := &apiRequest{}
	req.Metadata = &struct {
		UserID string `json:"user_id"`
	}{UserID: "user_abc_session_sess-42"}
	if got := identity(mkReq(), req); got != "sess-42" {
		t.Errorf("session suffix not extracted: %q", got)
	}

	req.Metadata.UserID = "plain-user"
	if got := identity(mkReq(), req); got != "plain-user" {
		t.Errorf("whole user_id should be the fallback: %q", got)
	}

	a := identity(mkReq(), nil)
	b := identity(mkReq(), nil)
	if a != b {
		t.Errorf("ip-derived identity unstable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "ip-") {
		t.Errorf("expected ip- prefix: %q", a)
	}
}

func TestRequest_LastUserTextAndWorkingDir(t *testing.T) {
	body := `{
		"model": "m",
		"system": "You are helpful.\nWorking directory: /home/dev/proj\n",
		"messages": [
			{"role": "user", "content": "first"},
			{"role": "assistant", "content": "reply"},
			{"role": "user", "content": [
				{"type": "tool_result", "text": ""},
				{"type": "text", "text": "latest question"}
			]}
		]
	}`

	var req apiRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := req.lastUserText(); got != "latest question" {
		t.Errorf("last user text wrong: %q", got)
	}
	if got := req.workingDirectory(); got != "/home/dev/proj" {
		t.Errorf("working directory wrong: %q", got)
	}
}
