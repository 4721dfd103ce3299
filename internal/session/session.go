// Package session authenticates a crawl session: it fetches the anti-forgery
// token, obtains a captcha answer and submits the credential form. Cookies
// live in the fetcher's jar for the session scope; this package only keeps
// the token and the state.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
	"github.com/JakeFAU/followgraph-crawler/internal/metrics"
)

// State is a step of the login sequence.
type State string

// Login states. Failed is reachable from every other state.
const (
	StateAnonymous       State = "anonymous"
	StateTokenAcquired   State = "token_acquired"
	StateChallengeIssued State = "challenge_issued"
	StateAuthenticated   State = "authenticated"
	StateFailed          State = "failed"
)

// ErrInvalidState is returned when a step is invoked out of order.
var ErrInvalidState = errors.New("invalid session state")

const tokenSelector = `input[name="_xsrf"]`

// Context is the authenticated session handed to the traversal. It is
// read-only once Login returns.
type Context struct {
	Token string
	Scope string
	State State
}

// Config holds the login endpoints and credentials.
type Config struct {
	LoginURL   string
	CaptchaURL string
	SubmitURL  string
	// IdentityField is the form field carrying Identity, e.g. "email".
	IdentityField string
	Identity      string
	Password      string
	Scope         string
	Headers       http.Header
	// ChallengeTimeout bounds the solver call. Zero waits indefinitely.
	ChallengeTimeout time.Duration
	MaxAttempts      int
}

// Machine runs the login state machine. It is the only writer of the session
// state; readers use State and Context.
type Machine struct {
	cfg     Config
	fetcher crawler.Fetcher
	solver  crawler.Solver
	clock   crawler.Clock
	logger  *zap.Logger

	mu        sync.RWMutex
	state     State
	token     string
	challenge []byte
}

// New validates cfg and returns a Machine in the Anonymous state.
func New(cfg Config, fetcher crawler.Fetcher, solver crawler.Solver, clock crawler.Clock, logger *zap.Logger) (*Machine, error) {
	switch {
	case fetcher == nil:
		return nil, errors.New("fetcher is required")
	case solver == nil:
		return nil, errors.New("solver is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	case cfg.LoginURL == "" || cfg.CaptchaURL == "" || cfg.SubmitURL == "":
		return nil, errors.New("login, captcha and submit urls are required")
	}
	if cfg.IdentityField == "" {
		cfg.IdentityField = "email"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Machine{
		cfg:     cfg,
		fetcher: fetcher,
		solver:  solver,
		clock:   clock,
		logger:  logger.Named("session"),
		state:   StateAnonymous,
	}, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Context returns a snapshot of the session.
func (m *Machine) Context() Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Context{Token: m.token, Scope: m.cfg.Scope, State: m.state}
}

// Authenticated reports whether Login has succeeded.
func (m *Machine) Authenticated() bool {
	return m.State() == StateAuthenticated
}

// Login runs the full sequence, restarting from Anonymous after any failure
// until MaxAttempts is exhausted.
func (m *Machine) Login(ctx context.Context) (Context, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.reset()
		err := m.attempt(ctx)
		if err == nil {
			metrics.ObserveLogin("success")
			m.logger.Info("session authenticated", zap.Int("attempt", attempt))
			return m.Context(), nil
		}
		metrics.ObserveLogin("failure")
		lastErr = err
		m.logger.Warn("login attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	var authErr *crawler.AuthenticationError
	if errors.As(lastErr, &authErr) {
		return m.Context(), lastErr
	}
	return m.Context(), &crawler.AuthenticationError{Step: "login", Err: lastErr}
}

func (m *Machine) attempt(ctx context.Context) error {
	if err := m.BeginLogin(ctx); err != nil {
		return &crawler.AuthenticationError{Step: "begin_login", Err: err}
	}
	image, err := m.RequestChallenge(ctx)
	if err != nil {
		return &crawler.AuthenticationError{Step: "request_challenge", Err: err}
	}
	answer, err := m.solve(ctx, image)
	if err != nil {
		m.fail()
		return &crawler.AuthenticationError{Step: "solve_challenge", Err: err}
	}
	return m.SubmitCredentials(ctx, answer)
}

func (m *Machine) solve(ctx context.Context, image []byte) (string, error) {
	if m.cfg.ChallengeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ChallengeTimeout)
		defer cancel()
	}
	answer, err := m.solver.Solve(ctx, image)
	if err != nil {
		return "", fmt.Errorf("solve challenge: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// BeginLogin fetches the login page and extracts the anti-forgery token.
func (m *Machine) BeginLogin(ctx context.Context) error {
	if err := m.expect(StateAnonymous); err != nil {
		return err
	}
	resp, err := m.fetch(ctx, http.MethodGet, m.cfg.LoginURL, "", nil)
	if err != nil {
		m.fail()
		return err
	}
	if !resp.OK() {
		m.fail()
		return &crawler.ProtocolError{URL: resp.URL, Reason: "login page status " + strconv.Itoa(resp.StatusCode)}
	}
	token, err := extractToken(resp.Body)
	if err != nil {
		m.fail()
		return &crawler.ProtocolError{URL: resp.URL, Reason: "read anti-forgery token", Err: err}
	}

	m.mu.Lock()
	m.token = token
	m.state = StateTokenAcquired
	m.mu.Unlock()
	m.logger.Debug("anti-forgery token acquired")
	return nil
}

// RequestChallenge fetches a fresh captcha image. The clock-derived timestamp
// keeps intermediaries from serving a cached image.
func (m *Machine) RequestChallenge(ctx context.Context) ([]byte, error) {
	if err := m.expect(StateTokenAcquired); err != nil {
		return nil, err
	}
	addr, err := m.challengeURL()
	if err != nil {
		m.fail()
		return nil, err
	}
	resp, err := m.fetch(ctx, http.MethodGet, addr, "", nil)
	if err != nil {
		m.fail()
		return nil, err
	}
	if !resp.OK() || len(resp.Body) == 0 {
		m.fail()
		return nil, &crawler.ProtocolError{URL: resp.URL, Reason: "challenge image unavailable, status " + strconv.Itoa(resp.StatusCode)}
	}

	m.mu.Lock()
	m.challenge = resp.Body
	m.state = StateChallengeIssued
	m.mu.Unlock()
	m.logger.Debug("challenge issued", zap.Int("bytes", len(resp.Body)))
	return resp.Body, nil
}

// Challenge returns the most recent challenge image.
func (m *Machine) Challenge() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.challenge
}

// SubmitCredentials posts the credential form with the challenge answer.
func (m *Machine) SubmitCredentials(ctx context.Context, answer string) error {
	if err := m.expect(StateChallengeIssued); err != nil {
		return err
	}
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()

	form := url.Values{
		m.cfg.IdentityField: {m.cfg.Identity},
		"password":          {m.cfg.Password},
		"_xsrf":             {token},
		"remember_me":       {"true"},
		"captcha":           {answer},
	}
	resp, err := m.fetch(ctx, http.MethodPost, m.cfg.SubmitURL, form.Encode(), []string{
		"Content-Type", "application/x-www-form-urlencoded; charset=UTF-8",
		"Referer", m.cfg.LoginURL,
	})
	if err != nil {
		m.fail()
		return &crawler.AuthenticationError{Step: "submit_credentials", Err: err}
	}
	if err := m.checkSubmission(resp); err != nil {
		m.fail()
		return &crawler.AuthenticationError{Step: "submit_credentials", Err: err}
	}

	m.mu.Lock()
	m.state = StateAuthenticated
	m.mu.Unlock()
	return nil
}

type submitReply struct {
	R   *int            `json:"r"`
	Msg json.RawMessage `json:"msg"`
}

// checkSubmission accepts a 2xx reply whose JSON "r" is zero, or a non-JSON
// reply that redirected away from the submit endpoint.
func (m *Machine) checkSubmission(resp crawler.FetchResponse) error {
	if !resp.OK() {
		return fmt.Errorf("credential submit status %d", resp.StatusCode)
	}
	body := bytes.TrimSpace(resp.Body)
	var reply submitReply
	if json.Valid(body) && json.Unmarshal(body, &reply) == nil && reply.R != nil {
		if *reply.R != 0 {
			return fmt.Errorf("credentials rejected: r=%d msg=%s", *reply.R, string(reply.Msg))
		}
		return nil
	}
	if sameEndpoint(resp.URL, m.cfg.SubmitURL) {
		return errors.New("credential submit did not leave the login endpoint")
	}
	return nil
}

func (m *Machine) fetch(ctx context.Context, method, addr, body string, extra []string) (crawler.FetchResponse, error) {
	resp, err := m.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     addr,
		Method:  method,
		Headers: crawler.BuildHeaders(m.cfg.Headers, extra...),
		Body:    body,
		Scope:   m.cfg.Scope,
	})
	if err != nil {
		var transportErr *crawler.TransportError
		if errors.As(err, &transportErr) {
			return crawler.FetchResponse{}, err
		}
		return crawler.FetchResponse{}, &crawler.TransportError{URL: addr, Err: err}
	}
	return resp, nil
}

func (m *Machine) challengeURL() (string, error) {
	u, err := url.Parse(m.cfg.CaptchaURL)
	if err != nil {
		return "", fmt.Errorf("parse captcha url: %w", err)
	}
	q := u.Query()
	q.Set("r", strconv.FormatInt(m.clock.Now().UnixMilli(), 10))
	q.Set("type", "login")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Machine) expect(want State) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != want {
		return fmt.Errorf("%w: have %s, want %s", ErrInvalidState, m.state, want)
	}
	return nil
}

func (m *Machine) fail() {
	m.mu.Lock()
	m.state = StateFailed
	m.mu.Unlock()
}

func (m *Machine) reset() {
	m.mu.Lock()
	m.state = StateAnonymous
	m.token = ""
	m.challenge = nil
	m.mu.Unlock()
}

func extractToken(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}
	token, ok := doc.Find(tokenSelector).First().Attr("value")
	if !ok || strings.TrimSpace(token) == "" {
		return "", crawler.ErrTokenMissing
	}
	return strings.TrimSpace(token), nil
}

func sameEndpoint(a, b string) bool {
	na, errA := crawler.NormalizeURL(a)
	nb, errB := crawler.NormalizeURL(b)
	if errA != nil || errB != nil {
		return a == b
	}
	ua, _ := url.Parse(na)
	ub, _ := url.Parse(nb)
	return ua.Host == ub.Host && ua.Path == ub.Path
}
