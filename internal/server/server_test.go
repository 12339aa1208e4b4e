package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rivalscan/internal/config"
	"rivalscan/internal/db"
	"rivalscan/internal/domain"
	"rivalscan/internal/engine"
	"rivalscan/internal/migrate"
	"rivalscan/internal/provider"
)

type searchFunc func(context.Context, provider.QuerySpec) ([]domain.SearchResult, error)

func (f searchFunc) Search(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
	return f(ctx, spec)
}

type analyzeFunc func(context.Context, domain.RunContext, domain.SearchArtifact) (domain.AnalysisArtifact, error)

func (f analyzeFunc) Analyze(ctx context.Context, rc domain.RunContext, search domain.SearchArtifact) (domain.AnalysisArtifact, error) {
	return f(ctx, rc, search)
}

type reportFunc func(context.Context, domain.RunContext, domain.AnalysisArtifact) (domain.ReportArtifact, error)

func (f reportFunc) Report(ctx context.Context, rc domain.RunContext, analysis domain.AnalysisArtifact) (domain.ReportArtifact, error) {
	return f(ctx, rc, analysis)
}

func fakeProviders(results int) engine.Providers {
	return engine.Providers{
		Searcher: searchFunc(func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
			out := make([]domain.SearchResult, 0, results)
			for i := 0; i < results; i++ {
				out = append(out, domain.SearchResult{
					Title:          fmt.Sprintf("Comp%d - Site", i),
					URL:            fmt.Sprintf("https://comp%d.example.com", i),
					Content:        "widgets",
					RelevanceScore: 0.8,
				})
			}
			return out, nil
		}),
		Analyzer: analyzeFunc(func(ctx context.Context, rc domain.RunContext, search domain.SearchArtifact) (domain.AnalysisArtifact, error) {
			art := domain.AnalysisArtifact{Summary: "summary"}
			for _, c := range search.Competitors {
				art.Profiles = append(art.Profiles, domain.CompetitorProfile{
					Name: c.Name, Positioning: "mid", Strengths: []string{"s"},
				})
			}
			return art, nil
		}),
		Reporter: reportFunc(func(ctx context.Context, rc domain.RunContext, analysis domain.AnalysisArtifact) (domain.ReportArtifact, error) {
			return domain.ReportArtifact{Title: "Report", Summary: analysis.Summary}, nil
		}),
	}
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, providers engine.Providers) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), providers)
	e.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func submitBody() map[string]any {
	return map[string]any{
		"client_company": "Acme Robotics",
		"industry":       "industrial automation",
	}
}

func TestSubmitAndStatus(t *testing.T) {
	srv, cleanup := newTestServer(t, fakeProviders(6))
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created RunResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if created.Stage != domain.StageSearch || created.Status != domain.StatusPending {
		t.Fatalf("created %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+created.ID+"/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Stage != domain.StageSearch || status.ProgressPercent != 15 {
		t.Fatalf("status %+v", status)
	}
	if status.CompletedStages == nil {
		t.Fatalf("completed_stages must be present")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var items []RunSummaryResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("list %+v", items)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, fakeProviders(6))
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{"industry": "x"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestUnknownRunNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, fakeProviders(6))
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestQualityReviewLifecycle(t *testing.T) {
	// Two search results trip the coverage gate and suspend the run.
	srv, cleanup := newTestServer(t, fakeProviders(2))
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var created RunResponse
	_ = json.Unmarshal(data, &created)

	// Decision before the run reaches review is rejected.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+created.ID+"/decision", map[string]any{
		"decision": "proceed",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before review, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_awaiting_review" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}

	// No review pending yet.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+created.ID+"/quality-review", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review: %d %s", res.StatusCode, string(data))
	}
	var review QualityReviewResponse
	_ = json.Unmarshal(data, &review)
	if review.ReviewPending {
		t.Fatalf("review pending before processing: %+v", review)
	}

	if err := srv.Engine.Process(ctx, created.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+created.ID+"/quality-review", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review: %d %s", res.StatusCode, string(data))
	}
	review = QualityReviewResponse{}
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatalf("unmarshal review: %v", err)
	}
	if !review.ReviewPending || len(review.QualityIssues) == 0 || len(review.AvailableActions) == 0 {
		t.Fatalf("review %+v", review)
	}
	if review.Summary == nil {
		t.Fatalf("expected quality summary")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+created.ID+"/decision", map[string]any{
		"id":       "dec-1",
		"decision": "proceed",
		"feedback": "good enough",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision: %d %s", res.StatusCode, string(data))
	}
	var decided DecisionResponse
	_ = json.Unmarshal(data, &decided)
	if !decided.Accepted || !decided.Resumed || decided.Stage != domain.StageReport {
		t.Fatalf("decision response %+v", decided)
	}

	// Replaying the same decision id is accepted but resumes nothing.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+created.ID+"/decision", map[string]any{
		"id":       "dec-1",
		"decision": "proceed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay: %d %s", res.StatusCode, string(data))
	}
	decided = DecisionResponse{}
	_ = json.Unmarshal(data, &decided)
	if decided.Resumed {
		t.Fatalf("replay resumed: %+v", decided)
	}
}

func TestCancelRun(t *testing.T) {
	srv, cleanup := newTestServer(t, fakeProviders(6))
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var created RunResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+created.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	var cancelled RunResponse
	_ = json.Unmarshal(data, &cancelled)
	if cancelled.Status != domain.StatusFailed || cancelled.FailureReason != "cancelled" {
		t.Fatalf("cancelled %+v", cancelled)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, fakeProviders(6))
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", submitBody(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var created RunResponse
	_ = json.Unmarshal(data, &created)
	if err := srv.Engine.Process(ctx, created.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+created.ID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) < 2 || events[0].Type != "run.submitted" {
		t.Fatalf("events %+v", events)
	}
	last := events[len(events)-1]
	if last.Type != "run.stage.completed" || last.Progress != 100 {
		t.Fatalf("last event %+v", last)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, fakeProviders(6))
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/runs", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// Health stays open.
	res, err = srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, fakeProviders(6))
	defer cleanup()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "analyst-1"}).
		SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", res.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/runs", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.StatusCode)
	}
}
