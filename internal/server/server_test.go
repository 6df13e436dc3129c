package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"peerflow/internal/config"
	"peerflow/internal/db"
	"peerflow/internal/domain"
	"peerflow/internal/engine"
	"peerflow/internal/migrate"
	"peerflow/internal/template"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	if _, err := e.Ledger.OpenAccount(context.Background(), cfg.Platform.AccountID, domain.AccountPlatform); err != nil {
		t.Fatalf("open platform account: %v", err)
	}
	handler, err := New(Config{
		Engine:    e,
		Templates: template.NewStore(conn),
		BasePath:  "/v0",
		Auth: AuthConfig{
			JWTSecret:        testJWTSecret,
			AllowActorHeader: true,
		},
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func signToken(t *testing.T, subject string, roles []string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func reviewTemplateBody() template.Definition {
	return template.Definition{
		ID:            "tmpl-review",
		Name:          "Standard review",
		ReviewerCount: 2,
		TokenPool:     6,
		RankRewards:   []int64{4, 2},
		Stages: []template.StageDefinition{
			{Key: "enroll", Type: "enrollment", Initial: true},
			{Key: "review", Type: "review"},
			{Key: "award", Type: "award"},
			{Key: "done", Terminal: true},
		},
		Transitions: []template.TransitionDefinition{
			{From: "enroll", To: "review", Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredReviewersLockedIn}}},
			{From: "review", To: "award", Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredReviewsSubmitted, Count: 2}}},
			{From: "award", To: "done", Condition: domain.Expr{When: &domain.PredicateSpec{Kind: domain.PredPayoutComplete}}},
		},
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}

	// health stays open
	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", healthRes.StatusCode)
	}
}

func TestAdminRoleEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	userToken := map[string]string{"Authorization": "Bearer " + signToken(t, "user-1", nil)}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", reviewTemplateBody(), userToken)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d %s", res.StatusCode, string(data))
	}

	adminToken := map[string]string{"Authorization": "Bearer " + signToken(t, "admin-1", []string{"admin"})}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", reviewTemplateBody(), adminToken)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for admin, got %d %s", res.StatusCode, string(data))
	}
}

func TestReviewFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := asActor("ops")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", reviewTemplateBody(), admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register template: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", map[string]any{"id": "alice"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open wallet: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets/alice/credit", map[string]any{"amount": 10, "note": "seed"}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("credit wallet: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"template_id":    "tmpl-review",
		"funding_amount": 6,
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create activity: %d %s", res.StatusCode, string(data))
	}
	var created ActivityResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal activity: %v", err)
	}
	if created.Stage == nil || created.Stage.StageKey != "enroll" {
		t.Fatalf("expected enroll stage, got %+v", created.Stage)
	}
	activityURL := srv.URL + "/v0/activities/" + created.ID

	for _, r := range []string{"r1", "r2"} {
		res, data = doJSON(t, client, http.MethodPost, activityURL+"/reviewers", map[string]any{}, asActor(r))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("join %s: %d %s", r, res.StatusCode, string(data))
		}
		res, data = doJSON(t, client, http.MethodPost, activityURL+"/reviewers/"+r+"/lock-in", nil, asActor(r))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("lock in %s: %d %s", r, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, activityURL+"/awards", map[string]any{
		"to_user_id": "r1",
		"points":     5,
	}, asActor("r2"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant award: %d %s", res.StatusCode, string(data))
	}

	for _, r := range []string{"r1", "r2"} {
		res, data = doJSON(t, client, http.MethodPost, activityURL+"/actions", map[string]any{"kind": "review"}, asActor(r))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("review %s: %d %s", r, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, activityURL, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get activity: %d %s", res.StatusCode, string(data))
	}
	var final ActivityResponse
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if final.Status != domain.ActivityCompleted || !final.PayoutDone {
		t.Fatalf("expected completed paid-out activity, got %+v", final)
	}

	res, data = doJSON(t, client, http.MethodGet, activityURL+"/ranking", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ranking: %d %s", res.StatusCode, string(data))
	}
	var ranked []domain.RankedReviewer
	if err := json.Unmarshal(data, &ranked); err != nil {
		t.Fatalf("unmarshal ranking: %v", err)
	}
	if len(ranked) != 2 || ranked[0].UserID != "r1" || ranked[0].Rank != 1 || !ranked[0].Paid {
		t.Fatalf("unexpected ranking %+v", ranked)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/wallets/r1", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get wallet: %d %s", res.StatusCode, string(data))
	}
	var wallet domain.WalletAccount
	if err := json.Unmarshal(data, &wallet); err != nil {
		t.Fatalf("unmarshal wallet: %v", err)
	}
	if wallet.Balance != 4 {
		t.Fatalf("expected rank 1 reward 4, got %d", wallet.Balance)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := asActor("ops")

	// unknown template -> 404
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"template_id":    "nope",
		"funding_amount": 0,
	}, admin)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}

	// structurally broken template -> 422 with the problem list
	broken := reviewTemplateBody()
	broken.ID = "tmpl-broken"
	broken.Stages[0].Initial = false
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", broken, admin)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "structural_error" {
		t.Fatalf("unexpected code %q: %s", envelope.Error.Code, string(data))
	}
	if _, ok := envelope.Error.Details["problems"]; !ok {
		t.Fatalf("expected problems detail: %s", string(data))
	}

	// overdraw -> 409 with balance details
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", reviewTemplateBody(), admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register template: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", map[string]any{"id": "poor"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open wallet: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"template_id":    "tmpl-review",
		"funding_amount": 6,
	}, asActor("poor"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for overdraw, got %d %s", res.StatusCode, string(data))
	}
}
