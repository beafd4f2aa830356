package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/vanguard/internal/config"
	"github.com/nugget/vanguard/internal/reports"
	"github.com/nugget/vanguard/internal/usage"
)

type fakeCalls int

func (f fakeCalls) Len() int { return int(f) }

type fakeReports struct {
	list []reports.Report
}

func (f *fakeReports) Get(_ context.Context, ref string) (*reports.Report, error) {
	for _, r := range f.list {
		if r.Reference == ref {
			return &r, nil
		}
	}
	return nil, reports.ErrNotFound
}

func (f *fakeReports) Count(context.Context) (int, error) { return len(f.list) + 100, nil }

func (f *fakeReports) Recent(_ context.Context, limit int) ([]reports.Report, error) {
	if limit < len(f.list) {
		return f.list[:limit], nil
	}
	return f.list, nil
}

type fakeUsage struct {
	sum  usage.Summary
	last *usage.Filter
}

func (f fakeUsage) Summary(_ context.Context, filter usage.Filter) (*usage.Summary, error) {
	if f.last != nil {
		*f.last = filter
	}
	return &f.sum, nil
}

func (f fakeUsage) CallRounds(_ context.Context, callID string) ([]usage.Record, error) {
	if callID != "CA1" {
		return nil, nil
	}
	return []usage.Record{
		{CallID: "CA1", TurnID: "t1", Round: 1, InputTokens: 100, OutputTokens: 10, CostUSD: 0.5},
		{CallID: "CA1", TurnID: "t1", Round: 2, InputTokens: 200, OutputTokens: 20, CostUSD: 0.25},
	}, nil
}

func (f fakeUsage) Breakdown(_ context.Context, filter usage.Filter, dim usage.Dimension) (map[string]*usage.Summary, error) {
	if f.last != nil {
		*f.last = filter
	}
	return map[string]*usage.Summary{string(dim): &f.sum}, nil
}

func newTestServer(deps Deps) *Server {
	if deps.Relay == nil {
		deps.Relay = http.NotFoundHandler()
	}
	return NewServer(config.ListenConfig{Port: 3000}, config.Default().Relay, deps, nil)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestBuildTwiML(t *testing.T) {
	cfg := config.Default().Relay
	cfg.IntelligenceServiceSID = "GA123"

	body, err := BuildTwiML(cfg, "relay.example.com")
	if err != nil {
		t.Fatalf("BuildTwiML: %v", err)
	}
	if !strings.HasPrefix(string(body), "<?xml") {
		t.Errorf("missing XML header: %.40s", body)
	}

	var doc twimlResponse
	if err := xml.Unmarshal(body, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	relay := doc.Connect.Relay
	if relay.URL != "wss://relay.example.com/ws" {
		t.Errorf("url = %q", relay.URL)
	}
	if !relay.Interruptible || !relay.DTMFDetection {
		t.Error("interruptible and dtmfDetection should be true")
	}
	if relay.Language != "en-US" || relay.TTSProvider != "ElevenLabs" {
		t.Errorf("lang/tts = %q/%q", relay.Language, relay.TTSProvider)
	}
	if relay.IntelligenceServiceSID != "GA123" {
		t.Errorf("intelligenceServiceSid = %q", relay.IntelligenceServiceSID)
	}
	if !strings.Contains(relay.WelcomeGreeting, "Signal City Transit") {
		t.Errorf("welcomeGreeting = %q", relay.WelcomeGreeting)
	}
	if doc.Play.Loop != 0 || doc.Play.URL != cfg.HoldMusicURL {
		t.Errorf("play = %+v", doc.Play)
	}
	if !strings.Contains(string(body), `<Play loop="0">`) {
		t.Error(`hold music should render loop="0"`)
	}
}

func TestBuildTwiML_OmitsEmptyIntelligenceService(t *testing.T) {
	body, err := BuildTwiML(config.Default().Relay, "h")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(body), "intelligenceServiceSid") {
		t.Errorf("unexpected intelligenceServiceSid attribute:\n%s", body)
	}
}

func TestHandleTwiML_UsesRequestHost(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest(http.MethodPost, "/twiml", nil)
	req.Host = "abc.ngrok.app"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `url="wss://abc.ngrok.app/ws"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandleTwiML_PublicHostOverride(t *testing.T) {
	relay := config.Default().Relay
	relay.PublicHost = "voice.signalcity.example"
	s := NewServer(config.ListenConfig{}, relay, Deps{Relay: http.NotFoundHandler()}, nil)

	rec := do(t, s, http.MethodPost, "/twiml", "")
	if !strings.Contains(rec.Body.String(), `url="wss://voice.signalcity.example/ws"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandleIntelligence(t *testing.T) {
	s := newTestServer(Deps{})

	rec := do(t, s, http.MethodPost, "/webhook/intelligence", `{
		"transcript_sid": "GT1",
		"service_sid": "GA1",
		"operator_results": [
			{"name": "Sentiment", "operator_type": "text-classification", "predicted_label": "positive", "predicted_probability": 0.91},
			{"name": "Summary", "operator_type": "text-generation", "text_generation_result": "Caller lost a bag."}
		]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got["received"] {
		t.Errorf("body = %v, want received=true", got)
	}

	if rec := do(t, s, http.MethodPost, "/webhook/intelligence", "nope"); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(Deps{Calls: fakeCalls(2), Provider: "openai"})

	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var h HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.ActiveCalls != 2 || h.Provider != "openai" {
		t.Errorf("health = %+v", h)
	}
	if _, err := time.Parse(time.RFC3339, h.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", h.Timestamp, err)
	}
}

type fakeEvents struct{}

func (fakeEvents) SubscriberCount() int { return 3 }
func (fakeEvents) Dropped() uint64      { return 7 }

func TestHandleHealth_EventStats(t *testing.T) {
	s := newTestServer(Deps{Events: fakeEvents{}})

	var h HealthResponse
	if err := json.Unmarshal(do(t, s, http.MethodGet, "/health", "").Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Events == nil || h.Events.Subscribers != 3 || h.Events.Dropped != 7 {
		t.Errorf("events = %+v", h.Events)
	}
}

func TestHandleCallUsage(t *testing.T) {
	s := newTestServer(Deps{Usage: fakeUsage{}})

	rec := do(t, s, http.MethodGet, "/v1/usage/calls/CA1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		CallID  string        `json:"call_id"`
		Rounds  []callRound   `json:"rounds"`
		Summary usage.Summary `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.CallID != "CA1" || len(body.Rounds) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Summary.TotalInputTokens != 300 || body.Summary.TotalCostUSD != 0.75 {
		t.Errorf("summary = %+v", body.Summary)
	}

	if rec := do(t, s, http.MethodGet, "/v1/usage/calls/CA404", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown call status = %d, want 404", rec.Code)
	}
}

func TestHandleVersion(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), http.MethodGet, "/v1/version", "")
	var info map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

func TestReportEndpoints(t *testing.T) {
	store := &fakeReports{list: []reports.Report{
		{Reference: "SCT-LI-000002", RouteName: "Harbor Ferry"},
		{Reference: "SCT-LI-000001", RouteName: "Route 42"},
	}}
	s := newTestServer(Deps{Reports: store})

	rec := do(t, s, http.MethodGet, "/v1/reports?limit=1", "")
	var list struct {
		Reports []reports.Report `json:"reports"`
		Count   int              `json:"count"`
		Total   int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Total != 102 || list.Reports[0].Reference != "SCT-LI-000002" {
		t.Errorf("list = %+v", list)
	}

	rec = do(t, s, http.MethodGet, "/v1/reports/SCT-LI-000001", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Route 42") {
		t.Errorf("get = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/v1/reports/SCT-LI-999999", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing report status = %d, want 404", rec.Code)
	}
}

func TestOptionalEndpointsUnconfigured(t *testing.T) {
	s := newTestServer(Deps{})
	for _, path := range []string{"/v1/reports", "/v1/reports/x", "/v1/usage", "/v1/usage/calls/CA1"} {
		if rec := do(t, s, http.MethodGet, path, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestHandleUsage(t *testing.T) {
	s := newTestServer(Deps{Usage: fakeUsage{sum: usage.Summary{TotalRecords: 3, TotalInputTokens: 900}}})

	rec := do(t, s, http.MethodGet, "/v1/usage?hours=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sum usage.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 3 || sum.TotalInputTokens != 900 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestHandleUsage_Breakdown(t *testing.T) {
	var got usage.Filter
	s := newTestServer(Deps{Usage: fakeUsage{sum: usage.Summary{TotalRecords: 1}, last: &got}})

	rec := do(t, s, http.MethodGet, "/v1/usage?by=call&call_id=CA7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]usage.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["call_id"].TotalRecords != 1 {
		t.Errorf("body = %+v", body)
	}
	if got.CallID != "CA7" {
		t.Errorf("filter CallID = %q", got.CallID)
	}
	if d := got.End.Sub(got.Start); d != 24*time.Hour {
		t.Errorf("window = %v, want 24h", d)
	}

	if rec := do(t, s, http.MethodGet, "/v1/usage?by=route", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown dimension status = %d, want 400", rec.Code)
	}
}

func TestWithLogging_AllowsWebsocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	relay := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("ok"))
	})

	srv := httptest.NewServer(newTestServer(Deps{Relay: relay}).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial through logging middleware: %v", err)
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "ok" {
		t.Errorf("read = %q, %v", msg, err)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=0", 20},
		{"limit=-3", 20},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestServe_LimitsConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(config.ListenConfig{MaxConnections: 1}, config.Default().Relay, Deps{Relay: http.NotFoundHandler()}, nil)

	served := make(chan error, 1)
	go func() { served <- s.Serve(t.Context(), ln) }()
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		if err := <-served; !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Serve() = %v, want ErrServerClosed", err)
		}
	})

	url := "http://" + ln.Addr().String() + "/health"

	// An idle socket occupies the only slot.
	hog, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Timeout: 200 * time.Millisecond}
	if resp, err := client.Get(url); err == nil {
		resp.Body.Close()
		t.Fatal("request succeeded while the only slot was held")
	}

	hog.Close()
	client.Timeout = 2 * time.Second
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never freed: %v", err)
		}
	}
}
