package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/cds"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

const testValueSet = `{
	"resourceType": "ValueSet",
	"id": "diabetes",
	"url": "http://example.org/ValueSet/diabetes",
	"expansion": {"contains": [{"system": "http://snomed.info/sct", "code": "44054006"}]}
}`

const testPlan = `{
	"resourceType": "PlanDefinition",
	"id": "diabetes-review",
	"name": "DiabetesReview",
	"type": {"coding": [{"code": "eca-rule"}]},
	"action": [{"title": "Review", "trigger": [{"type": "named-event", "name": "patient-view"}]}]
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func fileConfig(dir string) *config.Config {
	return &config.Config{
		Env:                  "development",
		LogLevel:             "info",
		RuleSource:           config.RuleSourceFile,
		RulesDir:             dir,
		ConditionPolicy:      "per-condition",
		MaxURILength:         8000,
		TerminologyCacheSize: 10,
		TerminologyCacheTTL:  time.Minute,
		BreakerMaxFailures:   5,
		BreakerTimeout:       time.Second,
	}
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		cfg := &config.Config{Env: "production", LogLevel: tt.level}
		if got := newLogger(cfg, &bytes.Buffer{}).GetLevel(); got != tt.want {
			t.Errorf("level %q: expected %s, got %s", tt.level, tt.want, got)
		}
	}
}

func TestLoadValueSets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "valuesets", "diabetes.json"), testValueSet)
	writeFile(t, filepath.Join(dir, "plan.json"), testPlan)

	mem := terminology.NewInMemoryProvider()
	n, err := loadValueSets(dir, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 value set, got %d", n)
	}
	codes, err := mem.Expand(context.Background(), "http://example.org/ValueSet/diabetes")
	if err != nil || len(codes) != 1 || codes[0].Code != "44054006" {
		t.Errorf("unexpected expansion %v (%v)", codes, err)
	}

	if n, err := loadValueSets(filepath.Join(dir, "missing"), mem); err != nil || n != 0 {
		t.Errorf("expected missing dir to load nothing, got %d %v", n, err)
	}
}

func TestNewApp_FileSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "plan.json"), testPlan)
	writeFile(t, filepath.Join(dir, "diabetes-vs.json"), testValueSet)

	a, err := newApp(context.Background(), fileConfig(dir), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Close()

	if len(a.rules.All()) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(a.rules.All()))
	}
	if a.feedback != nil || a.pool != nil {
		t.Error("expected no database without DATABASE_URL")
	}
	disc := a.service.Discovery(context.Background())
	if len(disc.Services) != 1 || disc.Services[0].Hook != "patient-view" {
		t.Errorf("unexpected discovery %+v", disc)
	}
	if _, err := a.expander.Expand(context.Background(), "http://example.org/ValueSet/diabetes"); err != nil {
		t.Errorf("expected local value set to be served, got %v", err)
	}
}

func summaryLibrary(summary string) string {
	logic := base64.StdEncoding.EncodeToString([]byte(`{"definitions":[{"name":"Summary","value":"` + summary + `"}]}`))
	return `{
	"resourceType": "Library",
	"id": "summary",
	"url": "http://example.org/Library/summary",
	"version": "1.0.0",
	"name": "Summary",
	"content": [{"contentType": "application/json", "data": "` + logic + `"}]
}`
}

func TestNewApp_ReloadPicksUpEditedLibrary(t *testing.T) {
	dir := t.TempDir()
	plan := strings.Replace(testPlan, `"name": "DiabetesReview",`,
		`"name": "DiabetesReview", "library": ["http://example.org/Library/summary|1.0.0"],`, 1)
	writeFile(t, filepath.Join(dir, "plan.json"), plan)
	writeFile(t, filepath.Join(dir, "library.json"), summaryLibrary("v1"))

	a, err := newApp(context.Background(), fileConfig(dir), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Close()

	summary := func() string {
		t.Helper()
		rule, ok := a.rules.Get("diabetes-review")
		if !ok || rule.Library == nil {
			t.Fatalf("expected rule with library, got %+v", rule)
		}
		return string(rule.Library.Definitions["Summary"].Value)
	}
	if got := summary(); got != `"v1"` {
		t.Fatalf("expected v1 before reload, got %s", got)
	}

	writeFile(t, filepath.Join(dir, "library.json"), summaryLibrary("v2"))
	if err := a.rules.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := summary(); got != `"v2"` {
		t.Errorf("expected v2 after reload, got %s", got)
	}
}

func TestNewApp_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.json"), `{not json`)
	if _, err := newApp(context.Background(), fileConfig(dir), zerolog.Nop(), nil); err == nil {
		t.Error("expected error for unreadable rules")
	}

	cfg := fileConfig(t.TempDir())
	cfg.RuleSource = config.RuleSourcePostgres
	if _, err := newApp(context.Background(), cfg, zerolog.Nop(), nil); err == nil {
		t.Error("expected postgres source without a database to fail")
	}
}

func TestClientAuth(t *testing.T) {
	cfg := &config.Config{Env: "production", CDSJWTSecret: strings.Repeat("k", 32)}
	if mw, err := clientAuth(cfg, zerolog.Nop()); err != nil || mw == nil {
		t.Errorf("expected JWT middleware, got %v", err)
	}
	if mw, err := clientAuth(&config.Config{Env: "development"}, zerolog.Nop()); err != nil || mw == nil {
		t.Errorf("expected dev middleware, got %v", err)
	}
	if _, err := clientAuth(&config.Config{Env: "staging"}, zerolog.Nop()); err == nil {
		t.Error("expected error without secret outside development")
	}
}

func testApp(adminToken string) *app {
	cfg := fileConfig("")
	cfg.AdminToken = adminToken
	rules := cds.NewStaticRuleSet()
	return &app{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		rules:   rules,
		service: cds.NewService(rules, nil, cds.Config{}, zerolog.Nop()),
	}
}

func TestNewServer_Routes(t *testing.T) {
	e, err := newServer(testApp("s3cret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	routes := make(map[string]bool)
	for _, r := range e.Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /metrics",
		"GET /cds-services",
		"POST /cds-services/:id",
		"POST /cds-services/:id/feedback",
		"POST /admin/rules/reload",
		"GET /admin/feedback/:id",
	} {
		if !routes[want] {
			t.Errorf("expected route %s", want)
		}
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cds-services", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"services":[]`) {
		t.Errorf("expected empty services, got %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/rules/reload", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without admin token, got %d", rec.Code)
	}
}

func TestNewServer_AdminDisabledWithoutToken(t *testing.T) {
	e, err := newServer(testApp(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range e.Routes() {
		if strings.HasPrefix(r.Path, "/admin") {
			t.Errorf("unexpected admin route %s", r.Path)
		}
	}
}

func TestReadHookRequest(t *testing.T) {
	req, err := readHookRequest(strings.NewReader(`{"hook":"patient-view","hookInstance":"h1","context":{"patientId":"P1"}}`), "-")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Hook != "patient-view" || req.HookInstance != "h1" {
		t.Errorf("unexpected request %+v", req)
	}

	path := filepath.Join(t.TempDir(), "req.json")
	writeFile(t, path, `{"hook":"order-sign","hookInstance":"h2"}`)
	if req, err := readHookRequest(nil, path); err != nil || req.Hook != "order-sign" {
		t.Errorf("expected file request, got %+v %v", req, err)
	}

	if _, err := readHookRequest(strings.NewReader(`{`), "-"); err == nil {
		t.Error("expected decode error")
	}
}

type memRuleRepo struct {
	stored []*cds.StoredRule
	err    error
}

func (m *memRuleRepo) Upsert(_ context.Context, r *cds.StoredRule) error {
	if m.err != nil {
		return m.err
	}
	m.stored = append(m.stored, r)
	return nil
}
func (m *memRuleRepo) GetByID(context.Context, string) (*cds.StoredRule, error) {
	return nil, cds.ErrRuleNotFound
}
func (m *memRuleRepo) ListActive(context.Context) ([]*cds.StoredRule, error) { return m.stored, nil }
func (m *memRuleRepo) SetActive(context.Context, string, bool) error         { return nil }

func TestImportRules(t *testing.T) {
	repo := &memRuleRepo{}
	var out bytes.Buffer
	rules := []*cds.StoredRule{{ID: "a", Active: true}, {ID: "b", Active: true}}
	if err := importRules(context.Background(), &out, repo, rules); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.stored) != 2 || !strings.Contains(out.String(), "Imported 2 rule(s).") {
		t.Errorf("unexpected import: %d stored, output %q", len(repo.stored), out.String())
	}

	repo = &memRuleRepo{err: errors.New("connection refused")}
	if err := importRules(context.Background(), &out, repo, rules); err == nil || !strings.Contains(err.Error(), "store rule a") {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var out bytes.Buffer
	printMigrationStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "cds", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "feedback_index"},
	})
	got := out.String()
	for _, want := range []string{"VERSION", "applied", "2026-01-02 03:04:05", "pending", "feedback_index"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestPrintFeedback(t *testing.T) {
	var out bytes.Buffer
	printFeedback(&out, []*cds.FeedbackRecord{{
		CardID:              "card-1",
		Outcome:             cds.OutcomeAccepted,
		AcceptedSuggestions: []string{"s1"},
		OutcomeTimestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}, 7)
	if !strings.Contains(out.String(), "card-1") || !strings.Contains(out.String(), "1 of 7 record(s)") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}
