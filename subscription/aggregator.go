package subscription

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	dl "github.com/stepherg/datalayer"
	"github.com/stepherg/datalayer/problem"
)

// Callback receives either an error or an update for one consumer. err
// and update are mutually exclusive; eventID accompanies updates only.
type Callback func(err error, update *dl.Update, eventID string)

// AggregatorConfig describes the shared connection an Aggregator manages.
type AggregatorConfig struct {
	Host       string
	Port       int
	ServerName string
	Auth       dl.AuthStrategy
	Timeout    time.Duration
	// Settings applies to the shared underlying subscription.
	Settings dl.Settings

	RebuildDebounce time.Duration // collapse window for rebuilds; default 10ms
	RetryDelay      time.Duration // delay after a failed open; default 1s
	EndedDelay      time.Duration // delay after an immediately-ended stream; default 2s

	Logger *log.Logger // optional; defaults to log.Default()
}

// Aggregator lets many independent consumers share one physical
// subscription. The underlying subscription is recreated only when the
// union of registered paths actually changes; incoming updates are routed
// through an explicit path dispatch table.
type Aggregator struct {
	cfg AggregatorConfig
	log *log.Logger

	mu        sync.Mutex
	consumers map[string]*consumer
	byPath    map[string][]*consumer
	sub       *Subscription
	dirty     bool
	timer     *time.Timer
	closed    bool
}

type consumer struct {
	id    string
	nodes []string
	cb    Callback
}

// NewAggregator builds an Aggregator. No connection exists until the
// first registration.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.RebuildDebounce <= 0 {
		cfg.RebuildDebounce = 10 * time.Millisecond
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.EndedDelay <= 0 {
		cfg.EndedDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		cfg:       cfg,
		log:       logger,
		consumers: make(map[string]*consumer),
		byPath:    make(map[string][]*consumer),
	}
}

// Register adds or replaces a consumer watching the given node paths. The
// rebuild of the shared subscription is debounced, so a burst of
// registrations costs one server-side recreation.
func (a *Aggregator) Register(id string, nodes []string, cb Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.consumers[id] = &consumer{id: id, nodes: append([]string(nil), nodes...), cb: cb}
	a.reindexLocked()
	a.dirty = true
	a.scheduleLocked(a.cfg.RebuildDebounce)
}

// Deregister removes a consumer. Removing the last one tears down the
// underlying subscription and releases the connection.
func (a *Aggregator) Deregister(id string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.consumers, id)
	a.reindexLocked()
	if len(a.consumers) == 0 {
		sub := a.detachLocked()
		a.dirty = false
		a.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return
	}
	a.dirty = true
	a.scheduleLocked(a.cfg.RebuildDebounce)
	a.mu.Unlock()
}

// Close tears everything down. Registered callbacks are not invoked again.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.consumers = make(map[string]*consumer)
	a.byPath = make(map[string][]*consumer)
	sub := a.detachLocked()
	a.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// detachLocked stops the pending rebuild and detaches the current
// subscription; the caller closes it outside the lock.
func (a *Aggregator) detachLocked() *Subscription {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	sub := a.sub
	a.sub = nil
	return sub
}

func (a *Aggregator) reindexLocked() {
	a.byPath = make(map[string][]*consumer, len(a.consumers))
	for _, c := range a.consumers {
		for _, n := range c.nodes {
			a.byPath[n] = append(a.byPath[n], c)
		}
	}
}

// scheduleLocked (re)arms the one-shot rebuild. Multiple schedules before
// it fires collapse into a single rebuild over the latest consumer set.
func (a *Aggregator) scheduleLocked(d time.Duration) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, a.rebuild)
}

func (a *Aggregator) rebuild() {
	a.mu.Lock()
	if a.closed || !a.dirty {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	old := a.detachLocked()
	nodes := make([]string, 0, len(a.byPath))
	for n := range a.byPath {
		nodes = append(nodes, n)
	}
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if len(nodes) == 0 {
		return
	}

	sub, err := New(Config{
		Host:       a.cfg.Host,
		Port:       a.cfg.Port,
		ServerName: a.cfg.ServerName,
		Auth:       a.cfg.Auth,
		Timeout:    a.cfg.Timeout,
		Nodes:      nodes,
		Settings:   a.cfg.Settings,
		// The aggregator owns recovery: a broken stream comes back as a
		// fresh subscription over the current consumer set.
		NoRetry: true,
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), openTimeout(a.cfg.Timeout))
		err = sub.Open(ctx)
		cancel()
	}
	if err != nil {
		a.log.Printf("aggregator: open failed: %v", err)
		a.broadcast(err)
		a.markDirty(a.cfg.RetryDelay)
		return
	}
	if sub.EndedByServer() {
		// Device ended the stream before we saw a single event (boot or
		// internal reset); back off a little longer to avoid a tight loop.
		_ = sub.Close()
		a.markDirty(a.cfg.EndedDelay)
		return
	}

	a.mu.Lock()
	if a.closed || a.dirty || len(a.consumers) == 0 {
		// The consumer set moved under us while the open was in flight;
		// a last deregistration leaves it empty without marking dirty, so
		// check both before installing this now-stale subscription.
		a.mu.Unlock()
		_ = sub.Close()
		return
	}
	a.sub = sub
	a.mu.Unlock()

	go a.dispatch(sub)
}

func openTimeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 10 * time.Second
}

func (a *Aggregator) markDirty(after time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || len(a.consumers) == 0 {
		return
	}
	a.dirty = true
	a.scheduleLocked(after)
}

// dispatch drains one subscription's events until its channel closes.
func (a *Aggregator) dispatch(sub *Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case KindUpdate:
			a.routeUpdate(ev.Update, ev.EventID)
		case KindError:
			a.routeError(sub, ev.Err)
		case KindEnd:
			if a.current(sub) {
				a.broadcast(dl.ErrEndedByServer)
				a.markDirty(a.cfg.EndedDelay)
			}
		case KindKeepalive, KindClosed:
			// Keepalives are connection plumbing; KindClosed closes the
			// channel and ends this loop.
		}
	}
	// NoRetry streams die on the first broken connection; if this one is
	// still current and did not end by server action, rebuild it.
	if a.current(sub) && !sub.EndedByServer() {
		a.markDirty(a.cfg.RetryDelay)
	}
}

func (a *Aggregator) current(sub *Subscription) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sub == sub
}

func (a *Aggregator) routeUpdate(u *dl.Update, eventID string) {
	a.mu.Lock()
	targets := append([]*consumer(nil), a.byPath[u.Node]...)
	a.mu.Unlock()
	for _, c := range targets {
		c.cb(nil, u, eventID)
	}
}

// routeError delivers a per-path problem only to the consumers owning the
// path; anything else is a connection-level failure that every consumer
// hears about before the rebuild.
func (a *Aggregator) routeError(sub *Subscription, err error) {
	var p *problem.Problem
	if errors.As(err, &p) && p.Instance != "" {
		a.mu.Lock()
		targets := append([]*consumer(nil), a.byPath[p.Instance]...)
		a.mu.Unlock()
		if len(targets) == 0 {
			// The owner deregistered between emit and dispatch; a scoped
			// problem is no reason to recreate the shared stream.
			a.log.Printf("aggregator: dropping problem for unwatched path %q: %v", p.Instance, err)
			return
		}
		for _, c := range targets {
			c.cb(err, nil, "")
		}
		return
	}
	a.broadcast(err)
	if a.current(sub) {
		a.markDirty(a.cfg.RetryDelay)
	}
}

func (a *Aggregator) broadcast(err error) {
	a.mu.Lock()
	targets := make([]*consumer, 0, len(a.consumers))
	for _, c := range a.consumers {
		targets = append(targets, c)
	}
	a.mu.Unlock()
	for _, c := range targets {
		c.cb(err, nil, "")
	}
}
