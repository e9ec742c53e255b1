package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/guardian/internal/auth"
	"github.com/triage-ai/guardian/internal/cache"
	"github.com/triage-ai/guardian/internal/chread"
	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/engine/validators"
	"github.com/triage-ai/guardian/internal/knowledge"
	"github.com/triage-ai/guardian/internal/storage"
	"github.com/triage-ai/guardian/internal/store"
)

const (
	testAdminKey   = "gdn_admin_0123456789abcdef"
	testAnalyzeKey = "gdn_client_0123456789abcdef"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]knowledge.Entry
	err     error
}

func (f *fakeStore) UpsertEntry(_ context.Context, e knowledge.Entry) (*store.KnowledgeRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.entries == nil {
		f.entries = map[string]knowledge.Entry{}
	}
	f.entries[e.Topic] = e
	return &store.KnowledgeRow{Entry: e, CreatedAt: time.Now(), UpdatedAt: time.Now()}, nil
}

func (f *fakeStore) DeleteEntry(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[topic]; !ok {
		return sql.ErrNoRows
	}
	delete(f.entries, topic)
	return nil
}

type fakeReader struct{ days int }

func (f *fakeReader) Analytics(_ context.Context, days int) (*chread.AnalyticsResult, error) {
	f.days = days
	return &chread.AnalyticsResult{Days: days, Trend: []chread.DailyTrend{}, TopIssues: []chread.IssueCount{}}, nil
}

type recordingWriter struct {
	mu     sync.Mutex
	events []*storage.AnalysisEvent
}

func (w *recordingWriter) Write(e *storage.AnalysisEvent) {
	w.mu.Lock()
	w.events = append(w.events, e)
	w.mu.Unlock()
}
func (w *recordingWriter) Close() {}

type testServer struct {
	handler http.Handler
	deps    *Dependencies
	store   *fakeStore
	reader  *fakeReader
	writer  *recordingWriter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rules, err := validators.DefaultRules()
	if err != nil {
		t.Fatal(err)
	}
	base, err := knowledge.Default(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	kb := knowledge.NewHandle(base)
	eng, err := engine.New(engine.Config{
		Validators: validators.Default(rules, kb),
		Knowledge:  kb,
		Timeout:    5 * time.Second,
		Cache:      cache.New[*engine.GuardianResult](),
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := &testServer{store: &fakeStore{}, reader: &fakeReader{}, writer: &recordingWriter{}}
	ts.deps = &Dependencies{
		Engine: eng,
		Writer: ts.writer,
		Logger: zap.NewNop(),
		Store:  ts.store,
		Reader: ts.reader,
		Auth:   auth.NewStaticAuthenticator(testAdminKey, testAnalyzeKey),
	}
	ts.handler = NewRouter(ts.deps)
	return ts
}

func (ts *testServer) do(method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body) //nolint:errcheck
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAnalyze_Success(t *testing.T) {
	ts := newTestServer(t)
	body := AnalyzeRequest{Content: "React is a JavaScript library created by Facebook."}

	rec := ts.do(http.MethodPost, "/v1/analyze", testAnalyzeKey, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	res := decode[map[string]any](t, rec)
	if res["is_safe"] != true || res["risk_level"] != "low" {
		t.Errorf("verdict = %v/%v", res["is_safe"], res["risk_level"])
	}
	for _, k := range []string{"confidence_score", "guardian_score", "validation_results", "recommendations",
		"detected_issues", "uncertainty_areas", "analysis_summary", "timestamp"} {
		if _, ok := res[k]; !ok {
			t.Errorf("response missing %q", k)
		}
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
	if got := rec.Header().Get("X-Guardian-Cache"); got != engine.CacheMiss {
		t.Errorf("X-Guardian-Cache = %q, want miss", got)
	}

	rec = ts.do(http.MethodPost, "/v1/analyze", testAnalyzeKey, body)
	if got := rec.Header().Get("X-Guardian-Cache"); got != engine.CacheHit {
		t.Errorf("second call X-Guardian-Cache = %q, want hit", got)
	}

	ts.writer.mu.Lock()
	defer ts.writer.mu.Unlock()
	if len(ts.writer.events) != 2 {
		t.Fatalf("wrote %d events, want 2", len(ts.writer.events))
	}
	if ev := ts.writer.events[0]; ev.Transport != "http" || ev.RequestID == "" || ev.RiskLevel != "low" {
		t.Errorf("event = %+v", ev)
	}
}

func TestAnalyzeBatch(t *testing.T) {
	ts := newTestServer(t)
	body := BatchAnalyzeRequest{
		BatchID: "nightly",
		Context: &ContextReq{Domain: "frontend"},
		Items: []AnalyzeRequest{
			{Content: "React is a JavaScript library created by Facebook."},
			{Content: "short"},
			{Content: "React is completely immune to all security attacks and guaranteed 100% safe."},
			{Content: "Docker is written in Go.", Context: &ContextReq{Domain: "devops"}},
		},
	}

	rec := ts.do(http.MethodPost, "/v1/analyze/batch", testAnalyzeKey, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[struct {
		BatchID string `json:"batch_id"`
		Count   int    `json:"count"`
		Failed  int    `json:"failed"`
		Results []struct {
			Index  int            `json:"index"`
			Result map[string]any `json:"result"`
			Error  string         `json:"error"`
		} `json:"results"`
	}](t, rec)

	if resp.BatchID != "nightly" || resp.Count != 4 || resp.Failed != 1 || len(resp.Results) != 4 {
		t.Fatalf("resp = %+v", resp)
	}
	for i, r := range resp.Results {
		if r.Index != i {
			t.Errorf("results[%d].index = %d", i, r.Index)
		}
	}
	if got := resp.Results[0].Result["risk_level"]; got != "low" {
		t.Errorf("item 0 risk_level = %v", got)
	}
	if resp.Results[1].Result != nil || !strings.Contains(resp.Results[1].Error, "minimum") {
		t.Errorf("item 1 = %+v, want an invalid input error", resp.Results[1])
	}
	if got := resp.Results[2].Result["risk_level"]; got != "critical" {
		t.Errorf("item 2 risk_level = %v", got)
	}

	ts.writer.mu.Lock()
	defer ts.writer.mu.Unlock()
	if len(ts.writer.events) != 3 {
		t.Fatalf("wrote %d events, want one per analyzed item", len(ts.writer.events))
	}
	domains := map[string]string{}
	for _, ev := range ts.writer.events {
		domains[ev.RequestID] = ev.Domain
	}
	if domains["nightly-0"] != "frontend" || domains["nightly-3"] != "devops" {
		t.Errorf("event domains = %v", domains)
	}
}

func TestAnalyzeBatch_Rejects(t *testing.T) {
	ts := newTestServer(t)
	many := BatchAnalyzeRequest{Items: make([]AnalyzeRequest, MaxBatchItems+1)}

	tests := []struct {
		name string
		key  string
		body any
		code int
	}{
		{"no key", "", BatchAnalyzeRequest{Items: []AnalyzeRequest{{Content: "enough content here"}}}, http.StatusUnauthorized},
		{"bad json", testAnalyzeKey, "{", http.StatusBadRequest},
		{"empty", testAnalyzeKey, BatchAnalyzeRequest{}, http.StatusBadRequest},
		{"too many", testAnalyzeKey, many, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(http.MethodPost, "/v1/analyze/batch", tt.key, tt.body); rec.Code != tt.code {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.code, rec.Body)
			}
		})
	}
}

func TestAnalyze_ContextChangesVerdict(t *testing.T) {
	ts := newTestServer(t)
	content := "Create a React component that renders a list with CSS styles."

	fe := ts.do(http.MethodPost, "/v1/analyze", testAnalyzeKey, AnalyzeRequest{Content: content, Context: &ContextReq{Domain: "frontend"}})
	be := ts.do(http.MethodPost, "/v1/analyze", testAnalyzeKey, AnalyzeRequest{Content: content, Context: &ContextReq{Domain: "backend"}})
	if fe.Code != http.StatusOK || be.Code != http.StatusOK {
		t.Fatalf("status = %d/%d", fe.Code, be.Code)
	}
	if be.Header().Get("X-Guardian-Cache") != engine.CacheMiss {
		t.Error("different domain must not hit the cache")
	}
}

func TestAnalyze_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"content":`},
		{"empty content", AnalyzeRequest{}},
		{"too short", AnalyzeRequest{Content: "tiny"}},
		{"below min_length", AnalyzeRequest{Content: "twelve chars", MinLength: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/v1/analyze", testAnalyzeKey, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
		})
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)
	entry := map[string]any{"created_by": "X", "first_release": "2020", "language": "Go", "facts": []string{"f"}}
	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   any
		want   int
	}{
		{"no key", http.MethodPost, "/v1/analyze", "", AnalyzeRequest{Content: "long enough content"}, http.StatusUnauthorized},
		{"unknown key", http.MethodPost, "/v1/analyze", "gdn_unknown_key_value", AnalyzeRequest{Content: "long enough content"}, http.StatusUnauthorized},
		{"analyze key on admin route", http.MethodPut, "/api/guardian/knowledge/tool", testAnalyzeKey, entry, http.StatusForbidden},
		{"analyze key on analytics", http.MethodGet, "/api/guardian/analytics", testAnalyzeKey, nil, http.StatusForbidden},
		{"admin key analyzes", http.MethodPost, "/v1/analyze", testAdminKey, AnalyzeRequest{Content: "long enough content"}, http.StatusOK},
		{"health is open", http.MethodGet, "/healthz", "", nil, http.StatusOK},
		{"metrics are open", http.MethodGet, "/metrics", "", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, tt.key, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestKnowledge_ReadRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/knowledge", testAnalyzeKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := decode[KnowledgeListResp](t, rec)
	if list.Count == 0 || list.Count != len(list.Entries) {
		t.Errorf("list count = %d, entries = %d", list.Count, len(list.Entries))
	}

	rec = ts.do(http.MethodGet, "/v1/knowledge/React", testAnalyzeKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if e := decode[knowledge.Entry](t, rec); e.Topic != "react" {
		t.Errorf("topic = %q", e.Topic)
	}

	if rec := ts.do(http.MethodGet, "/v1/knowledge/cobol-on-rails", testAnalyzeKey, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing topic status = %d", rec.Code)
	}
}

func TestKnowledge_PutReloadsEngine(t *testing.T) {
	ts := newTestServer(t)
	content := "Angular was created by Google in 2010."

	before := decode[map[string]any](t, ts.do(http.MethodPost, "/v1/analyze", testAnalyzeKey, AnalyzeRequest{Content: content}))
	gen := ts.deps.Engine.Knowledge().Generation()

	entry := knowledge.Entry{
		Name:         "Angular",
		CreatedBy:    "Google",
		FirstRelease: "2010-10-20",
		Language:     "TypeScript",
		Facts:        []string{"AngularJS was first released in 2010"},
	}
	rec := ts.do(http.MethodPut, "/api/guardian/knowledge/Angular", testAdminKey, entry)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body)
	}
	if _, ok := ts.store.entries["angular"]; !ok {
		t.Error("entry not persisted under normalized topic")
	}
	if ts.deps.Engine.Knowledge().Generation() == gen {
		t.Error("engine knowledge not reloaded")
	}

	after := ts.do(http.MethodPost, "/v1/analyze", testAnalyzeKey, AnalyzeRequest{Content: content})
	if after.Header().Get("X-Guardian-Cache") != engine.CacheMiss {
		t.Error("reload must invalidate cached verdicts")
	}
	res := decode[map[string]any](t, after)
	if res["guardian_score"].(float64) <= before["guardian_score"].(float64) {
		t.Errorf("score did not improve after correcting the entry: %v -> %v", before["guardian_score"], res["guardian_score"])
	}
}

func TestKnowledge_PutRejectsInvalidEntry(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPut, "/api/guardian/knowledge/thing", testAdminKey, knowledge.Entry{Name: "Thing"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	if len(ts.store.entries) != 0 {
		t.Error("invalid entry must not be stored")
	}
}

func TestKnowledge_StoreFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.store.err = errors.New("connection refused")
	entry := knowledge.Entry{CreatedBy: "X", FirstRelease: "2020", Language: "Go", Facts: []string{"f"}}

	gen := ts.deps.Engine.Knowledge().Generation()
	if rec := ts.do(http.MethodPut, "/api/guardian/knowledge/thing", testAdminKey, entry); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if ts.deps.Engine.Knowledge().Generation() != gen {
		t.Error("failed write must not reload the engine")
	}
}

func TestKnowledge_Delete(t *testing.T) {
	ts := newTestServer(t)
	ts.store.entries = map[string]knowledge.Entry{"react": {}}

	if rec := ts.do(http.MethodDelete, "/api/guardian/knowledge/react", testAdminKey, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := ts.deps.Engine.Knowledge().Lookup("react"); ok {
		t.Error("topic still present after delete")
	}
	if rec := ts.do(http.MethodDelete, "/api/guardian/knowledge/react", testAdminKey, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestKnowledge_WritesNeedStore(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Store = nil
	if rec := ts.do(http.MethodDelete, "/api/guardian/knowledge/react", testAdminKey, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestAnalytics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/guardian/analytics?days=7", testAdminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ts.reader.days != 7 {
		t.Errorf("reader got days=%d", ts.reader.days)
	}
	if res := decode[chread.AnalyticsResult](t, rec); res.Days != 7 {
		t.Errorf("days = %d", res.Days)
	}

	if rec := ts.do(http.MethodGet, "/api/guardian/analytics?days=abc", testAdminKey, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad days status = %d", rec.Code)
	}

	ts.deps.Reader = nil
	if rec := ts.do(http.MethodGet, "/api/guardian/analytics", testAdminKey, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no reader status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.RateLimit = 1
	ts.deps.Burst = 2
	h := NewRouter(ts.deps)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/knowledge", nil)
		req.Header.Set("Authorization", "Bearer "+testAnalyzeKey)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[3] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Error("health checks must bypass the limiter")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodOptions, "/v1/analyze", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Expose-Headers"), "X-Guardian-Cache") {
		t.Error("cache header not exposed")
	}
}

func TestNoAuthMode(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Auth = nil
	if rec := ts.do(http.MethodPost, "/v1/analyze", "", AnalyzeRequest{Content: "long enough content"}); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

type fakeKeys struct{ revoked []string }

func (f *fakeKeys) RevokeAPIKey(_ context.Context, id string) error {
	if id == "missing" {
		return sql.ErrNoRows
	}
	f.revoked = append(f.revoked, id)
	return nil
}

type revokingAuth struct {
	auth.Authenticator
	evicted []string
}

func (r *revokingAuth) Revoke(keyID string) { r.evicted = append(r.evicted, keyID) }

func TestRevokeKey(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(http.MethodDelete, "/api/guardian/keys/key_1", testAdminKey, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without a key store: status = %d, want 503", rec.Code)
	}

	keys := &fakeKeys{}
	ra := &revokingAuth{Authenticator: ts.deps.Auth}
	ts.deps.Keys = keys
	ts.deps.Auth = ra

	tests := []struct {
		name string
		key  string
		id   string
		code int
	}{
		{"analyze key forbidden", testAnalyzeKey, "key_1", http.StatusForbidden},
		{"unknown id", testAdminKey, "missing", http.StatusNotFound},
		{"revoked", testAdminKey, "key_1", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(http.MethodDelete, "/api/guardian/keys/"+tt.id, tt.key, nil); rec.Code != tt.code {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.code, rec.Body)
			}
		})
	}

	if len(keys.revoked) != 1 || keys.revoked[0] != "key_1" {
		t.Errorf("revoked = %v", keys.revoked)
	}
	if len(ra.evicted) != 1 || ra.evicted[0] != "key_1" {
		t.Errorf("auth cache evictions = %v", ra.evicted)
	}
}
