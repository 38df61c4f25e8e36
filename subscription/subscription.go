// Package subscription implements the event side of the Data Layer API:
// creating server-side subscription resources, consuming their SSE
// streams with reconnect/backoff, and aggregating many logical consumers
// onto one physical subscription.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	dl "github.com/stepherg/datalayer"
	"github.com/stepherg/datalayer/internal/sse"
	"github.com/stepherg/datalayer/problem"
	"github.com/stepherg/datalayer/transport"
)

const eventsPath = "/automation/api/v2/events/"

// State is the lifecycle state of a Subscription.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateEnded
)

// EventKind labels the events delivered on Subscription.Events.
type EventKind int

const (
	// KindUpdate carries a node value change.
	KindUpdate EventKind = iota
	// KindKeepalive is the server heartbeat.
	KindKeepalive
	// KindError carries a stream-level or device-reported error. The
	// stream may still recover afterwards unless KindClosed follows.
	KindError
	// KindEnd signals the server closed the stream; emitted once, never
	// followed by an internal reconnect.
	KindEnd
	// KindClosed is the final event: the stream will not retry again.
	KindClosed
)

// Event is one demultiplexed stream event.
type Event struct {
	Kind    EventKind
	Update  *dl.Update
	EventID string
	Err     error
}

// Config describes one subscription.
type Config struct {
	Host       string
	Port       int
	ServerName string
	// Auth provides the authorization header; a *session.Session
	// satisfies this and brings relogin-on-expiry along.
	Auth     dl.AuthStrategy
	Timeout  time.Duration
	Nodes    []string
	Settings dl.Settings
	// NoRetry disables the internal reconnect so the caller owns
	// recovery (the Aggregator runs in this mode).
	NoRetry bool

	InitialBackoff time.Duration // first reconnect delay; default 1s
	MaxBackoff     time.Duration // backoff ceiling; default 10s
	BackoffReset   time.Duration // reset backoff after a stream this old; default 60s
	Buffer         int           // Events channel capacity; default 64

	// Transport optionally shares an existing connection pool.
	Transport *transport.Transport
}

// Subscription is one server-side subscription resource plus its SSE
// stream. It may be opened once; Close is idempotent and safe from any
// state.
type Subscription struct {
	cfg Config
	tr  *transport.Transport
	id  string

	events chan Event
	quit   chan struct{}

	mu          sync.Mutex
	state       State
	permaClosed bool
	cancelConn  context.CancelFunc

	ended     atomic.Bool
	closeOnce sync.Once
}

// New validates cfg and builds a Subscription without touching the network.
func New(cfg Config) (*Subscription, error) {
	if len(cfg.Nodes) == 0 {
		return nil, dl.ErrNoNodes
	}
	if cfg.Auth == nil {
		return nil, errors.New("subscription: auth strategy required")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.BackoffReset <= 0 {
		cfg.BackoffReset = time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	tr := cfg.Transport
	if tr == nil {
		tr = transport.New(cfg.Host, cfg.Port, cfg.ServerName, cfg.Timeout)
	}
	return &Subscription{
		cfg:    cfg,
		tr:     tr,
		id:     uuid.NewString(),
		events: make(chan Event, cfg.Buffer),
		quit:   make(chan struct{}),
	}, nil
}

// ID returns the client-generated subscription id.
func (s *Subscription) ID() string { return s.id }

// Events returns the event channel. It is closed after KindClosed.
func (s *Subscription) Events() <-chan Event { return s.events }

// EndedByServer reports whether the server has closed the stream. It is
// valid to inspect synchronously right after Open: a device mid-boot may
// end the stream before the caller sees a single event.
func (s *Subscription) EndedByServer() bool { return s.ended.Load() }

// State reports the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open creates the subscription resource and attaches to its event
// stream. Opening an instance that is not in the Closed state fails with
// datalayer.ErrAlreadyOpen and does not disturb the running stream; a
// failed open reverts the instance so the caller may retry or discard it.
func (s *Subscription) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.permaClosed {
		s.mu.Unlock()
		return dl.ErrClosed
	}
	if s.state != StateClosed {
		s.mu.Unlock()
		return dl.ErrAlreadyOpen
	}
	s.state = StateOpening
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		if s.state == StateOpening {
			s.state = StateClosed
		}
		s.mu.Unlock()
		return err
	}

	auth, err := s.cfg.Auth.AuthorizationValue()
	if err != nil {
		return fail(err)
	}
	body, err := buildCreateBody(s.id, s.cfg.Nodes, s.cfg.Settings)
	if err != nil {
		return fail(err)
	}
	// The returned resource URL is only valid for a short window, so the
	// stream is attached immediately after creation.
	if _, err := s.tr.Do(ctx, http.MethodPost, eventsPath, auth, body); err != nil {
		return fail(fmt.Errorf("create subscription: %w", err))
	}

	resp, cancel, err := s.connect(ctx, auth)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	if s.permaClosed {
		s.mu.Unlock()
		cancel()
		resp.Body.Close()
		return dl.ErrClosed
	}
	s.state = StateOpen
	s.cancelConn = cancel
	s.mu.Unlock()

	go s.run(resp, cancel)
	return nil
}

// connect opens the SSE stream. The returned cancel func severs the
// connection; ctx only bounds the handshake.
func (s *Subscription) connect(ctx context.Context, auth string) (*http.Response, context.CancelFunc, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.tr.BaseURL()+eventsPath+s.id, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", auth)

	// Abort the handshake if the caller's context gives up first. ctx
	// expiring concurrently with a successful handshake must not sever
	// the fresh connection, so success is re-checked before canceling.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-handshakeDone:
			return
		case <-s.quit:
			cancel()
			return
		case <-ctx.Done():
		}
		select {
		case <-handshakeDone:
		default:
			cancel()
		}
	}()

	resp, err := s.tr.Client().Do(req)
	close(handshakeDone)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		var buf [4 << 10]byte
		n, _ := resp.Body.Read(buf[:])
		cancel()
		return nil, nil, problem.FromResponse(resp.StatusCode, http.StatusText(resp.StatusCode), buf[:n])
	}
	return resp, cancel, nil
}

// run consumes the stream, reconnecting with backoff until the server
// ends it, Close is called, the resource is rejected or gone on
// reconnect, or NoRetry forbids retrying.
func (s *Subscription) run(resp *http.Response, cancel context.CancelFunc) {
	defer func() {
		s.emit(Event{Kind: KindClosed})
		close(s.events)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		connectedAt := time.Now()
		readErr := s.readStream(resp, cancel)
		resp.Body.Close()
		cancel()

		if s.ended.Load() || s.isQuit() {
			return
		}
		if s.cfg.NoRetry {
			if readErr != nil {
				s.emit(Event{Kind: KindError, Err: readErr})
			}
			return
		}
		if readErr != nil {
			s.emit(Event{Kind: KindError, Err: readErr})
		}
		// A stream that lived long enough earns a fresh backoff.
		if time.Since(connectedAt) > s.cfg.BackoffReset {
			bo.Reset()
		}

		var reconnected bool
		for !reconnected {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-s.quit:
				return
			}
			auth, err := s.cfg.Auth.AuthorizationValue()
			if err != nil {
				// Auth cannot recover here (e.g. session logged out);
				// retrying would only hammer the device.
				s.emit(Event{Kind: KindError, Err: err})
				return
			}
			ctx, cancelHS := context.WithTimeout(context.Background(), s.tr.Timeout())
			newResp, newCancel, err := s.connect(ctx, auth)
			cancelHS()
			if err != nil {
				s.emit(Event{Kind: KindError, Err: err})
				if isTerminalConnect(err) {
					return
				}
				continue
			}
			s.mu.Lock()
			if s.permaClosed {
				s.mu.Unlock()
				newCancel()
				newResp.Body.Close()
				return
			}
			s.cancelConn = newCancel
			s.mu.Unlock()
			resp, cancel = newResp, newCancel
			reconnected = true
		}
	}
}

// readStream demultiplexes one connection until it breaks or the server
// ends the subscription. cancel severs the connection when the keepalive
// watchdog fires.
func (s *Subscription) readStream(resp *http.Response, cancel context.CancelFunc) error {
	var watchdog *time.Timer
	var deadline time.Duration
	if ka := s.cfg.Settings.KeepaliveIntervalMs; ka > 0 {
		// Allow one missed heartbeat plus margin before declaring the
		// connection silently dead.
		deadline = time.Duration(ka)*time.Millisecond + 5*time.Second
		watchdog = time.AfterFunc(deadline, cancel)
		defer watchdog.Stop()
	}

	r := sse.NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			return err
		}
		if watchdog != nil {
			watchdog.Reset(deadline)
		}
		switch ev.Name {
		case "update":
			u, derr := transport.DecodeUpdate(ev.Data)
			if derr != nil {
				s.emit(Event{Kind: KindError, Err: derr})
				continue
			}
			u.EventID = ev.ID
			s.emit(Event{Kind: KindUpdate, Update: &u, EventID: ev.ID})
		case "keepalive":
			s.emit(Event{Kind: KindKeepalive, EventID: ev.ID})
		case "end":
			s.ended.Store(true)
			s.mu.Lock()
			s.state = StateEnded
			s.mu.Unlock()
			s.emit(Event{Kind: KindEnd})
			return nil
		case "error", "message":
			if p := parseProblem(ev.Data); p != nil {
				s.emit(Event{Kind: KindError, Err: p})
			}
		}
	}
}

// Close severs the stream and marks the instance permanently closed. It
// never fails, including on an instance that was never opened, and does
// nothing after the first call.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.permaClosed = true
		s.state = StateClosed
		cancel := s.cancelConn
		s.mu.Unlock()
		close(s.quit)
		if cancel != nil {
			cancel()
		}
		if s.cfg.Transport == nil {
			// The pool is ours, not a shared one; drop its idle sockets.
			s.tr.Close()
		}
	})
	return nil
}

func (s *Subscription) isQuit() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// emit never blocks; under sustained consumer lag events are dropped the
// way the device itself discards from a full queue.
func (s *Subscription) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func parseProblem(data []byte) *problem.Problem {
	if len(data) == 0 {
		return nil
	}
	p := &problem.Problem{}
	if json.Unmarshal(data, p) != nil || (p.Status == 0 && p.Title == "" && p.Detail == "") {
		return nil
	}
	return p
}

// isTerminalConnect reports reconnect failures that retrying cannot fix:
// a rejected token (401) or a subscription resource the server has
// destroyed (404, 410). The caller must recreate the subscription.
func isTerminalConnect(err error) bool {
	var p *problem.Problem
	if !errors.As(err, &p) {
		return false
	}
	switch p.Status {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}
