// Package session owns the authenticated connection to one device: token
// acquisition and renewal, the login state machine, and the typed
// read/write/create/delete/browse operations of the Data Layer API.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dl "github.com/stepherg/datalayer"
	"github.com/stepherg/datalayer/problem"
	"github.com/stepherg/datalayer/transport"
)

// State is the login state of a Session.
type State int

const (
	LoggedOut State = iota
	Authenticating
	LoggedIn
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case LoggedIn:
		return "logged-in"
	default:
		return "logged-out"
	}
}

// tokenSafetyMargin is subtracted from the token lifetime so the client
// renews before the device invalidates the token mid-request.
const tokenSafetyMargin = 30 * time.Second

// Config describes one device connection. Zero values get defaults in New.
type Config struct {
	Host       string
	Port       int    // 0 means 443
	ServerName string // TLS SNI override; empty picks host for non-IP hosts
	Username   string
	Password   string
	Timeout    time.Duration // per-request; 0 means 10s
	APIVersion int           // 1 or 2; 0 means 2
	// AutoReconnect re-logs-in and retries once when the device reports
	// 401 mid-session (e.g. after a reboot invalidated the token).
	AutoReconnect bool
}

// Session is the authenticated handle to one device. Create with New,
// which performs no I/O; the first network activity happens on Login.
type Session struct {
	cfg Config
	tr  *transport.Transport

	mu        sync.Mutex
	state     State
	token     string
	tokenType string
	expiresAt time.Time
}

// New builds a Session from cfg without touching the network.
func New(cfg Config) *Session {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = 2
	}
	return &Session{
		cfg: cfg,
		tr:  transport.New(cfg.Host, cfg.Port, cfg.ServerName, cfg.Timeout),
	}
}

// State reports the current login state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transport exposes the underlying transport (shared pool and base URL)
// for the subscription layer.
func (s *Session) Transport() *transport.Transport { return s.tr }

func (s *Session) authPath() string {
	return fmt.Sprintf("/identity-manager/api/v%d/auth/token", s.cfg.APIVersion)
}

// Login acquires an access token. If the session is already logged in (or
// a previous login was interrupted) it logs out first, best-effort, so the
// device never holds two registrations for one session.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *Session) loginLocked(ctx context.Context) error {
	if s.state != LoggedOut {
		s.logoutLocked(ctx) // best-effort, outcome ignored
	}
	s.state = Authenticating

	body, err := json.Marshal(map[string]string{
		"name":     s.cfg.Username,
		"password": s.cfg.Password,
	})
	if err != nil {
		s.clearLocked()
		return err
	}
	resp, err := s.tr.Do(ctx, http.MethodPost, s.authPath(), "", body)
	if err != nil {
		s.clearLocked()
		return err
	}

	var auth struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(resp, &auth); err != nil || auth.AccessToken == "" {
		s.clearLocked()
		return fmt.Errorf("%w: missing access_token", dl.ErrMalformedToken)
	}

	expiresAt, err := tokenExpiry(auth.AccessToken, time.Now())
	if err != nil {
		s.clearLocked()
		return err
	}

	s.token = auth.AccessToken
	s.tokenType = auth.TokenType
	if s.tokenType == "" {
		s.tokenType = "Bearer"
	}
	s.expiresAt = expiresAt
	s.state = LoggedIn
	return nil
}

// tokenExpiry decodes the token claims without verifying the signature
// (the device holds the signing key) and computes the local renewal
// deadline: now + (exp - iat) - safety margin.
func tokenExpiry(token string, now time.Time) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", dl.ErrMalformedToken, err)
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return time.Time{}, fmt.Errorf("%w: missing iat claim", dl.ErrMalformedToken)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", dl.ErrMalformedToken)
	}
	return now.Add(exp.Time.Sub(iat.Time) - tokenSafetyMargin), nil
}

// Logout deletes the server-side token registration. Local token state is
// cleared no matter what the server answered.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutLocked(ctx)
}

func (s *Session) logoutLocked(ctx context.Context) error {
	var err error
	if s.token != "" {
		_, err = s.tr.Do(ctx, http.MethodDelete, s.authPath(), s.tokenType+" "+s.token, nil)
	}
	s.clearLocked()
	return err
}

func (s *Session) clearLocked() {
	s.token = ""
	s.tokenType = ""
	s.expiresAt = time.Time{}
	s.state = LoggedOut
}

// Close logs out (best-effort) and releases pooled connections.
func (s *Session) Close(ctx context.Context) error {
	err := s.Logout(ctx)
	s.tr.Close()
	return err
}

// AuthorizationValue implements datalayer.AuthStrategy. It fails when the
// session is logged out and renews the token first when it has expired, so
// stream opens get the same auth gating as data operations.
func (s *Session) AuthorizationValue() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.tr.Timeout())
	defer cancel()
	return s.ensureAuth(ctx)
}

// ensureAuth returns a fresh authorization header value. A logged-out
// session fails immediately; an expired token triggers exactly one
// implicit relogin before the value is handed out.
func (s *Session) ensureAuth(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LoggedIn {
		return "", dl.ErrNotAuthenticated
	}
	if time.Now().After(s.expiresAt) {
		if err := s.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return s.tokenType + " " + s.token, nil
}

// do runs one authenticated REST call with the relogin-and-retry policy:
// expired tokens are renewed before the call, and (with AutoReconnect) a
// 401 answer triggers one relogin followed by one retry.
func (s *Session) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	auth, err := s.ensureAuth(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.tr.Do(ctx, method, path, auth, body)
	if err == nil || !s.cfg.AutoReconnect || !isUnauthorized(err) {
		return resp, err
	}
	// Server-side invalidation: renew once and retry the original call.
	s.mu.Lock()
	loginErr := s.loginLocked(ctx)
	auth = s.tokenType + " " + s.token
	s.mu.Unlock()
	if loginErr != nil {
		return nil, loginErr
	}
	return s.tr.Do(ctx, method, path, auth, body)
}

func isUnauthorized(err error) bool {
	var p *problem.Problem
	return errors.As(err, &p) && p.Status == http.StatusUnauthorized
}

func (s *Session) nodePath(path string, query url.Values) string {
	var p string
	if s.cfg.APIVersion == 1 {
		p = "/automation/api/v1/" + path
	} else {
		p = "/automation/api/v2/nodes/" + path
	}
	if len(query) > 0 {
		p += "?" + query.Encode()
	}
	return p
}

func (s *Session) readAs(ctx context.Context, path, kind string) ([]byte, error) {
	if kind == "" && s.cfg.APIVersion == 1 {
		kind = "data" // v1 reads always name the representation
	}
	q := url.Values{}
	if kind != "" {
		q.Set("type", kind)
	}
	return s.do(ctx, http.MethodGet, s.nodePath(path, q), nil)
}

// Read fetches the current value of a node.
func (s *Session) Read(ctx context.Context, path string) (dl.Value, error) {
	b, err := s.readAs(ctx, path, "")
	if err != nil {
		return dl.Value{}, err
	}
	return transport.DecodeValue(b)
}

// ReadWithArg fetches a node value passing an argument, encoded as the
// url-encoded "data" query parameter (v2 GET semantics; no request body).
func (s *Session) ReadWithArg(ctx context.Context, path string, arg dl.Value) (dl.Value, error) {
	enc, err := transport.EncodeValue(arg)
	if err != nil {
		return dl.Value{}, err
	}
	q := url.Values{}
	q.Set("data", string(enc))
	b, err := s.do(ctx, http.MethodGet, s.nodePath(path, q), nil)
	if err != nil {
		return dl.Value{}, err
	}
	return transport.DecodeValue(b)
}

// Write sets the value of a node and returns the value echoed by the
// device (zero Value when the device answers with an empty body).
func (s *Session) Write(ctx context.Context, path string, v dl.Value) (dl.Value, error) {
	body, err := transport.EncodeValue(v)
	if err != nil {
		return dl.Value{}, err
	}
	b, err := s.do(ctx, http.MethodPut, s.nodePath(path, nil), body)
	if err != nil || len(b) == 0 {
		return dl.Value{}, err
	}
	return transport.DecodeValue(b)
}

// Create creates a node, optionally with an initial value. Some create
// operations legitimately answer with an empty body.
func (s *Session) Create(ctx context.Context, path string, v *dl.Value) (dl.Value, error) {
	var body []byte
	if v != nil {
		var err error
		if body, err = transport.EncodeValue(*v); err != nil {
			return dl.Value{}, err
		}
	}
	b, err := s.do(ctx, http.MethodPost, s.nodePath(path, nil), body)
	if err != nil || len(b) == 0 {
		return dl.Value{}, err
	}
	return transport.DecodeValue(b)
}

// Delete removes a node.
func (s *Session) Delete(ctx context.Context, path string) error {
	_, err := s.do(ctx, http.MethodDelete, s.nodePath(path, nil), nil)
	return err
}

// Metadata fetches the metadata document of a node.
func (s *Session) Metadata(ctx context.Context, path string) (map[string]interface{}, error) {
	b, err := s.readAs(ctx, path, "metadata")
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}

// Browse lists the child node names under a path.
func (s *Session) Browse(ctx context.Context, path string) ([]string, error) {
	return s.readStrings(ctx, path, "browse")
}

// References lists the reference targets of a node.
func (s *Session) References(ctx context.Context, path string) ([]string, error) {
	return s.readStrings(ctx, path, "references")
}

func (s *Session) readStrings(ctx context.Context, path, kind string) ([]string, error) {
	b, err := s.readAs(ctx, path, kind)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Value []string `json:"value"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return doc.Value, nil
}
