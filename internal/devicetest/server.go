// Package devicetest hosts an in-process mock of the device's Data Layer
// surface: the token endpoint, node read/write/create/delete/browse, and
// SSE subscription streams. The library's own packages test against it.
package devicetest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dl "github.com/stepherg/datalayer"
)

// Server is one mock device. All exported mutators are safe for
// concurrent use with in-flight requests.
type Server struct {
	Username      string
	Password      string
	TokenLifetime time.Duration

	secret []byte
	srv    *httptest.Server

	mu          sync.Mutex
	nodes       map[string]dl.Value
	subs        map[string]*mockSub
	streams     map[*streamCtl]struct{}
	created     int
	lastNodes   []string
	createDelay time.Duration
	authPosts   int
	tokenSeq    int
	minTokenSeq int
}

type mockSub struct {
	nodes             []string
	publishIntervalMs int
	keepaliveMs       int
}

type streamCtl struct {
	end  chan struct{} // graceful: emit "end" event, then close
	drop chan struct{} // abrupt: close without an end event
}

// NewServer starts a TLS mock device with default credentials.
func NewServer() *Server {
	s := &Server{
		Username:      "boschrexroth",
		Password:      "boschrexroth",
		TokenLifetime: 10 * time.Minute,
		secret:        []byte("devicetest-signing-key"),
		nodes:         make(map[string]dl.Value),
		subs:          make(map[string]*mockSub),
		streams:       make(map[*streamCtl]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/identity-manager/api/v2/auth/token", s.handleToken)
	mux.HandleFunc("/identity-manager/api/v1/auth/token", s.handleToken)
	mux.HandleFunc("/automation/api/v2/events/", s.handleEvents)
	mux.HandleFunc("/automation/api/v2/nodes/", s.handleNodes)
	mux.HandleFunc("/automation/api/v1/", s.handleNodesV1)
	s.srv = httptest.NewTLSServer(mux)
	return s
}

func (s *Server) Close() { s.srv.Close() }

// HostPort returns the address the mock listens on.
func (s *Server) HostPort() (string, int) {
	u := strings.TrimPrefix(s.srv.URL, "https://")
	host, portStr, _ := net.SplitHostPort(u)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// SetNode installs or replaces a node value.
func (s *Server) SetNode(path string, v dl.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[path] = v
}

// AuthPosts counts token-issuance calls, one per login round-trip.
func (s *Server) AuthPosts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authPosts
}

// SubscriptionsCreated counts subscription-creation calls.
func (s *Server) SubscriptionsCreated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// LastSubscriptionNodes returns the node list of the most recently
// created subscription.
func (s *Server) LastSubscriptionNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastNodes...)
}

// SetCreateDelay makes subsequent subscription creations stall before
// answering, to widen races around in-flight opens.
func (s *Server) SetCreateDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createDelay = d
}

// ActiveStreams counts the SSE connections currently being served.
func (s *Server) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// RevokeTokens invalidates every token issued so far, as a device reboot
// would. Logins after the call yield valid tokens again.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minTokenSeq = s.tokenSeq
}

// EndStreams makes every active stream emit a final "end" event and close.
func (s *Server) EndStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ctl := range s.streams {
		select {
		case <-ctl.end:
		default:
			close(ctl.end)
		}
	}
}

// DropStreams abruptly severs every active stream without an end event.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
}

// DestroySubscriptions severs every stream and forgets the subscription
// resources, so reconnect attempts answer 404.
func (s *Server) DestroySubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]*mockSub)
	s.dropLocked()
}

func (s *Server) dropLocked() {
	for ctl := range s.streams {
		select {
		case <-ctl.drop:
		default:
			close(ctl.drop)
		}
	}
}

func writeProblem(w http.ResponseWriter, status int, detail string, extra map[string]string) {
	doc := map[string]interface{}{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
	}
	if detail != "" {
		doc["detail"] = detail
	}
	for k, v := range extra {
		doc[k] = v
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var creds struct {
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			writeProblem(w, http.StatusBadRequest, "malformed credentials", nil)
			return
		}
		s.mu.Lock()
		s.authPosts++
		s.tokenSeq++
		seq := s.tokenSeq
		s.mu.Unlock()
		if creds.Name != s.Username || creds.Password != s.Password {
			writeProblem(w, http.StatusUnauthorized, "wrong user name or password", nil)
			return
		}
		now := time.Now()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat":  now.Unix(),
			"exp":  now.Add(s.TokenLifetime).Unix(),
			"name": creds.Name,
			"jti":  strconv.Itoa(seq),
		})
		signed, err := tok.SignedString(s.secret)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, err.Error(), nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": signed,
			"token_type":   "Bearer",
		})
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "", nil)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return false
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(strings.TrimPrefix(h, "Bearer "), claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return false
	}
	jti, _ := claims["jti"].(string)
	seq, _ := strconv.Atoi(jti)
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq > s.minTokenSeq
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	s.serveNode(w, r, strings.TrimPrefix(r.URL.Path, "/automation/api/v2/nodes/"))
}

func (s *Server) handleNodesV1(w http.ResponseWriter, r *http.Request) {
	// The v1 surface requires an explicit representation on reads.
	if r.Method == http.MethodGet && r.URL.Query().Get("type") == "" {
		writeProblem(w, http.StatusBadRequest, "missing query type", nil)
		return
	}
	s.serveNode(w, r, strings.TrimPrefix(r.URL.Path, "/automation/api/v1/"))
}

func (s *Server) serveNode(w http.ResponseWriter, r *http.Request, path string) {
	if !s.authorized(r) {
		writeProblem(w, http.StatusUnauthorized, "token rejected", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		switch r.URL.Query().Get("type") {
		case "", "data":
			if data := r.URL.Query().Get("data"); data != "" {
				// Read-with-argument: echo the decoded argument.
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(data))
				return
			}
			s.mu.Lock()
			v, ok := s.nodes[path]
			s.mu.Unlock()
			if !ok {
				s.nodeNotFound(w, path)
				return
			}
			s.writeValue(w, v)
		case "browse":
			s.writeStrings(w, s.children(path))
		case "references":
			s.writeStrings(w, nil)
		case "metadata":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"nodeClass":  "Variable",
				"operations": map[string]bool{"read": true, "write": true},
			})
		default:
			writeProblem(w, http.StatusBadRequest, "unknown query type", nil)
		}
	case http.MethodPut, http.MethodPost:
		var doc struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil && r.Method == http.MethodPut {
			writeProblem(w, http.StatusBadRequest, "malformed value", nil)
			return
		}
		s.mu.Lock()
		s.nodes[path] = dl.Value{Type: doc.Type, Value: rawOrNil(doc.Value)}
		s.mu.Unlock()
		if r.Method == http.MethodPost {
			// Creates answer without a body.
			w.WriteHeader(http.StatusCreated)
			return
		}
		s.mu.Lock()
		v := s.nodes[path]
		s.mu.Unlock()
		s.writeValue(w, v)
	case http.MethodDelete:
		s.mu.Lock()
		_, ok := s.nodes[path]
		delete(s.nodes, path)
		s.mu.Unlock()
		if !ok {
			s.nodeNotFound(w, path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "", nil)
	}
}

func rawOrNil(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	return raw
}

func (s *Server) nodeNotFound(w http.ResponseWriter, path string) {
	writeProblem(w, http.StatusNotFound, fmt.Sprintf("the node %s does not exist", path), map[string]string{
		"mainDiagnosisCode":     "F0360001",
		"detailedDiagnosisCode": "00666001",
		"severity":              "ERROR",
		"instance":              path,
	})
}

func (s *Server) writeValue(w http.ResponseWriter, v dl.Value) {
	doc := map[string]interface{}{"type": v.Type, "value": v.Value}
	if v.Timestamp != 0 {
		doc["timestamp"] = v.Timestamp
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) writeStrings(w http.ResponseWriter, names []string) {
	if names == nil {
		names = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"type": "arstring", "value": names})
}

func (s *Server) children(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := ""
	if path != "" {
		prefix = path + "/"
	}
	seen := map[string]struct{}{}
	var out []string
	for node := range s.nodes {
		if !strings.HasPrefix(node, prefix) {
			continue
		}
		rest := strings.TrimPrefix(node, prefix)
		name := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name = rest[:i]
		}
		if _, dup := seen[name]; !dup && name != "" {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeProblem(w, http.StatusUnauthorized, "token rejected", nil)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/automation/api/v2/events/")
	if r.Method == http.MethodPost && rest == "" {
		s.createSubscription(w, r)
		return
	}
	if r.Method == http.MethodGet && rest != "" {
		s.streamSubscription(w, r, rest)
		return
	}
	writeProblem(w, http.StatusMethodNotAllowed, "", nil)
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Properties struct {
			ID                string `json:"id"`
			KeepaliveInterval int    `json:"keepaliveInterval"`
			PublishInterval   int    `json:"publishInterval"`
		} `json:"properties"`
		Nodes []string `json:"nodes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Properties.ID == "" || len(req.Nodes) == 0 {
		writeProblem(w, http.StatusBadRequest, "malformed subscription request", nil)
		return
	}
	s.mu.Lock()
	delay := s.createDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	pub := req.Properties.PublishInterval
	if pub <= 0 {
		pub = 50
	}
	s.mu.Lock()
	s.created++
	s.lastNodes = append([]string(nil), req.Nodes...)
	s.subs[req.Properties.ID] = &mockSub{
		nodes:             req.Nodes,
		publishIntervalMs: pub,
		keepaliveMs:       req.Properties.KeepaliveInterval,
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) streamSubscription(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		s.nodeNotFound(w, id)
		return
	}
	fl, canFlush := w.(http.Flusher)
	if !canFlush {
		writeProblem(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	ctl := &streamCtl{end: make(chan struct{}), drop: make(chan struct{})}
	s.mu.Lock()
	s.streams[ctl] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, ctl)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	publish := time.NewTicker(time.Duration(sub.publishIntervalMs) * time.Millisecond)
	defer publish.Stop()
	var keepalive <-chan time.Time
	if sub.keepaliveMs > 0 {
		t := time.NewTicker(time.Duration(sub.keepaliveMs) * time.Millisecond)
		defer t.Stop()
		keepalive = t.C
	}

	eventID := 0
	erroredNodes := map[string]struct{}{}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ctl.drop:
			return
		case <-ctl.end:
			fmt.Fprintf(w, "event: end\ndata: {}\n\n")
			fl.Flush()
			return
		case <-keepalive:
			eventID++
			fmt.Fprintf(w, "event: keepalive\nid: %d\ndata: {}\n\n", eventID)
			fl.Flush()
		case <-publish.C:
			for _, node := range sub.nodes {
				s.mu.Lock()
				v, exists := s.nodes[node]
				s.mu.Unlock()
				if !exists {
					// One problem event per missing node, attributed via instance.
					if _, sent := erroredNodes[node]; sent {
						continue
					}
					erroredNodes[node] = struct{}{}
					doc, _ := json.Marshal(map[string]interface{}{
						"type":     "about:blank",
						"title":    "Node not found",
						"status":   404,
						"detail":   fmt.Sprintf("the node %s does not exist", node),
						"instance": node,
					})
					fmt.Fprintf(w, "event: error\ndata: %s\n\n", doc)
					fl.Flush()
					continue
				}
				eventID++
				doc, _ := json.Marshal(map[string]interface{}{
					"node":      node,
					"type":      v.Type,
					"value":     v.Value,
					"timestamp": dl.TimeToFiletime(time.Now()),
				})
				fmt.Fprintf(w, "event: update\nid: %d\ndata: %s\n\n", eventID, doc)
				fl.Flush()
			}
		}
	}
}
