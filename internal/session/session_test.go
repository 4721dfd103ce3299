package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

const (
	loginURL   = "https://www.zhihu.com/"
	captchaURL = "https://www.zhihu.com/captcha.gif"
	submitURL  = "https://www.zhihu.com/login/email"
	loginPage  = `<html><body><form><input type="hidden" name="_xsrf" value="tok-123"/></form></body></html>`
)

type fakeFetcher struct {
	mu        sync.Mutex
	requests  []crawler.FetchRequest
	responses func(req crawler.FetchRequest) (crawler.FetchResponse, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.responses(req)
}

func (f *fakeFetcher) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		u, _ := url.Parse(r.URL)
		out = append(out, r.Method+" "+u.Path)
	}
	return out
}

type fakeSolver struct {
	answer string
	err    error
	images [][]byte
}

func (s *fakeSolver) Solve(ctx context.Context, image []byte) (string, error) {
	s.images = append(s.images, image)
	if s.err != nil {
		return "", s.err
	}
	if s.answer == "block" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.answer, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func siteResponses(submitBody string, submitStatus int) func(crawler.FetchRequest) (crawler.FetchResponse, error) {
	return func(req crawler.FetchRequest) (crawler.FetchResponse, error) {
		switch {
		case req.URL == loginURL:
			return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(loginPage)}, nil
		case strings.HasPrefix(req.URL, captchaURL):
			return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("GIF89a")}, nil
		case req.URL == submitURL:
			return crawler.FetchResponse{URL: req.URL, StatusCode: submitStatus, Body: []byte(submitBody)}, nil
		}
		return crawler.FetchResponse{}, errors.New("unexpected url " + req.URL)
	}
}

func newMachine(t *testing.T, f crawler.Fetcher, s crawler.Solver, mutate ...func(*Config)) *Machine {
	t.Helper()
	cfg := Config{
		LoginURL:   loginURL,
		CaptchaURL: captchaURL,
		SubmitURL:  submitURL,
		Identity:   "me@example.com",
		Password:   "secret",
		Scope:      "session-1",
		Headers:    http.Header{"User-Agent": {"test-agent"}},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg, f, s, fixedClock{t: time.UnixMilli(1700000000123)}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: siteResponses(`{"r":0,"msg":"ok"}`, 200)}
	s := &fakeSolver{answer: " abcd "}
	m := newMachine(t, f, s)

	sess, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, sess.State)
	assert.Equal(t, "tok-123", sess.Token)
	assert.Equal(t, "session-1", sess.Scope)
	assert.True(t, m.Authenticated())
	require.Len(t, s.images, 1)
	assert.Equal(t, []byte("GIF89a"), s.images[0])

	require.Len(t, f.requests, 3)
	challenge, err := url.Parse(f.requests[1].URL)
	require.NoError(t, err)
	assert.Equal(t, "1700000000123", challenge.Query().Get("r"))
	assert.Equal(t, "login", challenge.Query().Get("type"))

	submit := f.requests[2]
	assert.Equal(t, http.MethodPost, submit.Method)
	assert.Equal(t, "session-1", submit.Scope)
	form, err := url.ParseQuery(submit.Body)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", form.Get("email"))
	assert.Equal(t, "secret", form.Get("password"))
	assert.Equal(t, "tok-123", form.Get("_xsrf"))
	assert.Equal(t, "true", form.Get("remember_me"))
	assert.Equal(t, "abcd", form.Get("captcha"))
	assert.Equal(t, "test-agent", submit.Headers.Get("User-Agent"))
	for _, req := range f.requests {
		assert.Equal(t, "session-1", req.Scope)
	}
}

func TestLoginMissingTokenSkipsChallenge(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: func(req crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("<html><body>no form</body></html>")}, nil
	}}
	s := &fakeSolver{answer: "abcd"}
	m := newMachine(t, f, s)

	_, err := m.Login(context.Background())
	var authErr *crawler.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, err, crawler.ErrTokenMissing)
	assert.True(t, crawler.IsFatal(err))
	assert.Equal(t, []string{"GET /"}, f.paths())
	assert.Empty(t, s.images)
	assert.Equal(t, StateFailed, m.State())
}

func TestLoginRejectedCredentials(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: siteResponses(`{"r":1,"msg":"wrong captcha"}`, 200)}
	m := newMachine(t, f, &fakeSolver{answer: "abcd"})

	_, err := m.Login(context.Background())
	var authErr *crawler.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "submit_credentials", authErr.Step)
	assert.Contains(t, err.Error(), "wrong captcha")
	assert.Equal(t, StateFailed, m.State())
}

func TestLoginNonSuccessStatus(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: siteResponses(`forbidden`, 403)}
	m := newMachine(t, f, &fakeSolver{answer: "abcd"})

	_, err := m.Login(context.Background())
	require.True(t, crawler.IsFatal(err))
	assert.Equal(t, StateFailed, m.State())
}

func TestLoginNonJSONRequiresRedirect(t *testing.T) {
	t.Parallel()

	stay := &fakeFetcher{responses: siteResponses(`<html>try again</html>`, 200)}
	_, err := newMachine(t, stay, &fakeSolver{answer: "abcd"}).Login(context.Background())
	require.Error(t, err)

	redirected := &fakeFetcher{responses: func(req crawler.FetchRequest) (crawler.FetchResponse, error) {
		if req.URL == submitURL {
			return crawler.FetchResponse{URL: "https://www.zhihu.com/people/me", StatusCode: 200, Body: []byte("<html>home</html>")}, nil
		}
		return siteResponses("", 200)(req)
	}}
	_, err = newMachine(t, redirected, &fakeSolver{answer: "abcd"}).Login(context.Background())
	require.NoError(t, err)
}

func TestLoginRetriesWholeSequence(t *testing.T) {
	t.Parallel()

	var submits int
	var mu sync.Mutex
	f := &fakeFetcher{responses: func(req crawler.FetchRequest) (crawler.FetchResponse, error) {
		if req.URL == submitURL {
			mu.Lock()
			submits++
			n := submits
			mu.Unlock()
			if n == 1 {
				return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(`{"r":1,"msg":"bad captcha"}`)}, nil
			}
		}
		return siteResponses(`{"r":0}`, 200)(req)
	}}
	m := newMachine(t, f, &fakeSolver{answer: "abcd"}, func(c *Config) { c.MaxAttempts = 2 })

	_, err := m.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GET /", "GET /captcha.gif", "POST /login/email",
		"GET /", "GET /captcha.gif", "POST /login/email",
	}, f.paths())
}

func TestLoginChallengeTimeout(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: siteResponses(`{"r":0}`, 200)}
	m := newMachine(t, f, &fakeSolver{answer: "block"}, func(c *Config) { c.ChallengeTimeout = 20 * time.Millisecond })

	_, err := m.Login(context.Background())
	var authErr *crawler.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "solve_challenge", authErr.Step)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, m.State())
}

func TestStepsEnforceOrder(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: siteResponses(`{"r":0}`, 200)}
	m := newMachine(t, f, &fakeSolver{answer: "abcd"})

	_, err := m.RequestChallenge(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, m.SubmitCredentials(context.Background(), "x"), ErrInvalidState)

	require.NoError(t, m.BeginLogin(context.Background()))
	assert.Equal(t, StateTokenAcquired, m.State())
	image, err := m.RequestChallenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, image, m.Challenge())
	assert.Equal(t, StateChallengeIssued, m.State())
	require.NoError(t, m.SubmitCredentials(context.Background(), "abcd"))
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Empty(t, f.requests[0].Body)
}

func TestTransportErrorFailsLogin(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{responses: func(crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, errors.New("connection refused")
	}}
	m := newMachine(t, f, &fakeSolver{answer: "abcd"})

	_, err := m.Login(context.Background())
	var transportErr *crawler.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, crawler.IsFatal(err))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	_, err := New(Config{}, f, &fakeSolver{}, fixedClock{}, nil)
	require.Error(t, err)
	_, err = New(Config{LoginURL: loginURL, CaptchaURL: captchaURL, SubmitURL: submitURL}, nil, &fakeSolver{}, fixedClock{}, nil)
	require.Error(t, err)
}
