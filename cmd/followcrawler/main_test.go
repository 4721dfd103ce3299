package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/captcha"
	"github.com/JakeFAU/followgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/followgraph-crawler/internal/config"
	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
	"github.com/JakeFAU/followgraph-crawler/internal/id/uuid"
	"github.com/JakeFAU/followgraph-crawler/internal/storage/sqlite"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "followcrawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
auth:
  identity: me@example.test
  password: secret
captcha:
  mode: static
  answer: abcd
`

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"auth", fmt.Errorf("crawl: %w", &crawler.AuthenticationError{Step: "login", Err: errors.New("r=1")}), exitAuthError},
		{"canceled", context.Canceled, exitOK},
		{"other", errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRootCmd_Layout(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	crawl, _, err := root.Find([]string{"crawl"})
	require.NoError(t, err)
	require.Equal(t, "crawl", crawl.Name())
	require.NotNil(t, crawl.Flags().Lookup("seed"))
	require.NotNil(t, crawl.Flags().Lookup("max-profiles"))
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, minimalConfig+`
crawler:
  max_profiles: 50
`)
	cfg, err := loadConfig(path, &crawlOptions{seed: "alice", maxProfiles: 3}, true)
	require.NoError(t, err)
	require.Equal(t, "https://www.zhihu.com/people/alice", cfg.SeedURL())
	require.Equal(t, 3, cfg.Crawler.MaxProfiles)

	cfg, err = loadConfig(path, &crawlOptions{seed: "alice", maxProfiles: 3}, false)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Crawler.MaxProfiles)
}

func TestLoadConfig_RequiresSeed(t *testing.T) {
	t.Parallel()

	_, err := loadConfig(writeConfig(t, minimalConfig), &crawlOptions{}, false)
	require.ErrorContains(t, err, "seed")
}

func TestLoadConfig_ValidatesOverrides(t *testing.T) {
	t.Parallel()

	_, err := loadConfig(writeConfig(t, minimalConfig), &crawlOptions{seed: "alice", maxProfiles: -1}, true)
	require.ErrorContains(t, err, "max_profiles")
}

func TestBuildSolver(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Captcha: config.CaptchaConfig{Mode: config.CaptchaModeStatic, Answer: "abcd"}}
	solver, err := buildSolver(cfg, system.New(), zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, captcha.Static{}, solver)

	cfg.Captcha = config.CaptchaConfig{Mode: config.CaptchaModePrompt, ImageDir: t.TempDir()}
	solver, err = buildSolver(cfg, system.New(), zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &captcha.Prompt{}, solver)

	cfg.Captcha.Mode = "ocr"
	_, err = buildSolver(cfg, system.New(), zap.NewNop())
	require.Error(t, err)
}

func TestBuildSinks_LocalStack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.Config{Sinks: config.SinksConfig{
		Log:        true,
		Prometheus: true,
		Local:      config.LocalSinkConfig{Enabled: true, BaseDir: filepath.Join(dir, "jsonl")},
		SQLite:     config.SQLiteSinkConfig{Enabled: true, Path: filepath.Join(dir, "graph.db")},
	}}
	deps := sinkDeps{ids: uuid.NewUUIDGenerator(), clock: system.New(), registerer: prometheus.NewRegistry()}

	sinks, err := buildSinks(context.Background(), cfg, deps, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, sinks, 4)
	for _, s := range sinks {
		require.NoError(t, s.Close(context.Background()))
	}
}

func TestBuildSinks_NoneEnabled(t *testing.T) {
	t.Parallel()

	deps := sinkDeps{ids: uuid.NewUUIDGenerator(), clock: system.New(), registerer: prometheus.NewRegistry()}
	_, err := buildSinks(context.Background(), config.Config{}, deps, zap.NewNop())
	require.ErrorContains(t, err, "no record sinks")
}

// followSite serves a login flow and a two-profile graph: a follows b.
func followSite() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><body><form><input name="_xsrf" value="tok"/></form></body></html>`))
	})
	mux.HandleFunc("/captcha.gif", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write([]byte("GIF89a"))
	})
	mux.HandleFunc("/login/email", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"r":0,"msg":"ok"}`))
	})
	mux.HandleFunc("/people/a", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="title-section"><span class="name">A</span></div>` +
			`<div class="zm-profile-side-following zg-clear">` +
			`<a class="item" href="/people/a/followees"><strong>1</strong></a></div></body></html>`))
	})
	mux.HandleFunc("/people/a/followees", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><span class="zm-profile-section-name">1 people</span>` +
			`<div class="zh-general-list clearfix"><a class="zg-link author-link" href="/people/b">b</a></div></body></html>`))
	})
	mux.HandleFunc("/people/b", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="title-section"><span class="name">B</span></div></body></html>`))
	})
	return httptest.NewServer(mux)
}

func TestRunCrawl_EndToEnd(t *testing.T) {
	site := followSite()
	defer site.Close()

	dbPath := filepath.Join(t.TempDir(), "graph.db")
	path := writeConfig(t, minimalConfig+fmt.Sprintf(`
site:
  domain: %s
  scheme: http
logging:
  level: error
crawler:
  requests_per_second: 0
sinks:
  prometheus: false
  local:
    enabled: false
  sqlite:
    enabled: true
    path: %s
`, strings.TrimPrefix(site.URL, "http://"), dbPath))

	cfg, err := loadConfig(path, &crawlOptions{seed: "a"}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, runCrawl(ctx, cfg))

	store, err := sqlite.Open(sqlite.Config{Path: dbPath})
	require.NoError(t, err)
	defer func() { _ = store.Close(context.Background()) }()

	members, err := store.Members(ctx, "a", crawler.DirectionFollowee)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)

	for _, id := range []string{"a", "b"} {
		_, ok, err := store.Profile(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "profile %s stored", id)
	}
}

func TestRunCrawl_LoginRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<input name="_xsrf" value="tok"/>`))
	})
	mux.HandleFunc("/captcha.gif", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("GIF89a"))
	})
	mux.HandleFunc("/login/email", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"r":1,"msg":"wrong captcha"}`))
	})
	site := httptest.NewServer(mux)
	defer site.Close()

	path := writeConfig(t, minimalConfig+fmt.Sprintf(`
site:
  domain: %s
  scheme: http
logging:
  level: error
sinks:
  prometheus: false
  local:
    base_dir: %s
`, strings.TrimPrefix(site.URL, "http://"), t.TempDir()))

	cfg, err := loadConfig(path, &crawlOptions{seed: "a"}, false)
	require.NoError(t, err)

	err = runCrawl(context.Background(), cfg)
	require.Error(t, err)
	require.Equal(t, exitAuthError, exitCode(err))
}
