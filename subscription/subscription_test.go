package subscription

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	dl "github.com/stepherg/datalayer"
	"github.com/stepherg/datalayer/internal/devicetest"
	"github.com/stepherg/datalayer/problem"
	"github.com/stepherg/datalayer/session"
)

func loggedInSession(t *testing.T, dev *devicetest.Server) *session.Session {
	t.Helper()
	host, port := dev.HostPort()
	s := session.New(session.Config{
		Host:     host,
		Port:     port,
		Username: dev.Username,
		Password: dev.Password,
		Timeout:  2 * time.Second,
	})
	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	return s
}

func newSub(t *testing.T, dev *devicetest.Server, sess *session.Session, mutate func(*Config)) *Subscription {
	t.Helper()
	host, port := dev.HostPort()
	cfg := Config{
		Host:      host,
		Port:      port,
		Auth:      sess,
		Timeout:   2 * time.Second,
		Nodes:     []string{"plc/app/x"},
		Settings:  dl.Settings{PublishIntervalMs: 25},
		Transport: sess.Transport(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sub, err := New(cfg)
	if err != nil {
		t.Fatalf("new subscription: %v", err)
	}
	return sub
}

func collectUpdates(t *testing.T, sub *Subscription, n int, within time.Duration) []dl.Update {
	t.Helper()
	var out []dl.Update
	deadline := time.After(within)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d/%d updates", len(out), n)
			}
			if ev.Kind == KindUpdate {
				out = append(out, *ev.Update)
			}
		case <-deadline:
			t.Fatalf("timed out with %d/%d updates", len(out), n)
		}
	}
	return out
}

func TestSubscriptionDeliversUpdates(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeDouble, Value: 3.5})
	sess := loggedInSession(t, dev)

	sub := newSub(t, dev, sess, nil)
	if err := sub.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()

	ups := collectUpdates(t, sub, 3, 3*time.Second)
	prev := 0
	for _, u := range ups {
		if u.Node != "plc/app/x" || u.Value.Value.(float64) != 3.5 {
			t.Fatalf("unexpected update: %+v", u)
		}
		id, err := strconv.Atoi(u.EventID)
		if err != nil || id <= prev {
			t.Fatalf("event ids must increase: %q after %d", u.EventID, prev)
		}
		prev = id
		if u.Value.Timestamp == 0 {
			t.Fatalf("update missing timestamp")
		}
	}
}

func TestOpenTwiceFailsWithoutDisturbingFirst(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeInt32, Value: 1})
	sess := loggedInSession(t, dev)

	sub := newSub(t, dev, sess, nil)
	if err := sub.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()

	if err := sub.Open(context.Background()); !errors.Is(err, dl.ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	// The first stream keeps delivering.
	collectUpdates(t, sub, 2, 3*time.Second)
	if got := dev.SubscriptionsCreated(); got != 1 {
		t.Fatalf("second open must not create a resource, got %d", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	sess := loggedInSession(t, dev)

	// Never-opened instance.
	sub := newSub(t, dev, sess, nil)
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := sub.Open(context.Background()); !errors.Is(err, dl.ErrClosed) {
		t.Fatalf("open after close must fail, got %v", err)
	}

	// Opened instance: close twice, stream winds down with KindClosed.
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeInt32, Value: 1})
	sub2 := newSub(t, dev, sess, nil)
	if err := sub2.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	collectUpdates(t, sub2, 1, 3*time.Second)
	_ = sub2.Close()
	_ = sub2.Close()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub2.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel did not close after Close")
		}
	}
}

func TestEndedByServerIsTerminal(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeInt32, Value: 1})
	sess := loggedInSession(t, dev)

	sub := newSub(t, dev, sess, nil)
	if err := sub.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()
	collectUpdates(t, sub, 1, 3*time.Second)

	dev.EndStreams()

	sawEnd := false
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if !sawEnd {
					t.Fatalf("channel closed without an end event")
				}
				if !sub.EndedByServer() {
					t.Fatalf("EndedByServer must report true")
				}
				if got := dev.SubscriptionsCreated(); got != 1 {
					t.Fatalf("a server-ended stream must not reconnect, got %d creations", got)
				}
				return
			}
			if ev.Kind == KindEnd {
				sawEnd = true
			}
		case <-deadline:
			t.Fatalf("no end observed")
		}
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeInt32, Value: 1})
	sess := loggedInSession(t, dev)

	sub := newSub(t, dev, sess, func(c *Config) {
		c.InitialBackoff = 50 * time.Millisecond
		c.MaxBackoff = 200 * time.Millisecond
	})
	if err := sub.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()
	collectUpdates(t, sub, 1, 3*time.Second)

	dev.DropStreams()

	// Updates resume on a fresh connection against the same resource.
	collectUpdates(t, sub, 2, 5*time.Second)
	if got := dev.SubscriptionsCreated(); got != 1 {
		t.Fatalf("internal reconnect must reuse the resource, got %d creations", got)
	}
}

func TestUnauthorizedReconnectIsTerminal(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeInt32, Value: 1})
	sess := loggedInSession(t, dev)
	authValue, err := sess.AuthorizationValue()
	if err != nil {
		t.Fatalf("auth value: %v", err)
	}

	host, port := dev.HostPort()
	sub, err := New(Config{
		Host:           host,
		Port:           port,
		Auth:           dl.StaticAuth{Value: authValue},
		Timeout:        2 * time.Second,
		Nodes:          []string{"plc/app/x"},
		Settings:       dl.Settings{PublishIntervalMs: 25},
		InitialBackoff: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := sub.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()
	collectUpdates(t, sub, 1, 3*time.Second)

	dev.RevokeTokens()
	dev.DropStreams()

	saw401 := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if !saw401 {
					t.Fatalf("terminated without a 401 problem")
				}
				return
			}
			var p *problem.Problem
			if ev.Kind == KindError && errors.As(ev.Err, &p) && p.Status == 401 {
				saw401 = true
			}
		case <-deadline:
			t.Fatalf("stream did not terminate on 401")
		}
	}
}

func TestDestroyedResourceReconnectIsTerminal(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeInt32, Value: 1})
	sess := loggedInSession(t, dev)

	sub := newSub(t, dev, sess, func(c *Config) {
		c.InitialBackoff = 50 * time.Millisecond
		c.MaxBackoff = 200 * time.Millisecond
	})
	if err := sub.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()
	collectUpdates(t, sub, 1, 3*time.Second)

	// The device forgets the resource entirely: reconnects answer 404 and
	// must not loop, the stream winds down so the caller can recreate.
	dev.DestroySubscriptions()

	saw404 := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if !saw404 {
					t.Fatalf("terminated without a 404 problem")
				}
				if got := dev.SubscriptionsCreated(); got != 1 {
					t.Fatalf("the resource must not be recreated internally, got %d creations", got)
				}
				return
			}
			var p *problem.Problem
			if ev.Kind == KindError && errors.As(ev.Err, &p) && p.Status == 404 {
				saw404 = true
			}
		case <-deadline:
			t.Fatalf("stream kept retrying a destroyed resource")
		}
	}
}

func TestOpenContextCancelDoesNotSeverStream(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeInt32, Value: 1})
	sess := loggedInSession(t, dev)

	sub := newSub(t, dev, sess, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := sub.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()

	// ctx only bounds the handshake: canceling it the instant Open
	// returns must leave the established stream alone. A severed stream
	// would surface as a connection error before updates resume.
	cancel()
	got := 0
	deadline := time.After(3 * time.Second)
	for got < 3 {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d updates", got)
			}
			switch ev.Kind {
			case KindUpdate:
				got++
			case KindError:
				t.Fatalf("connection severed by handshake context: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out with %d/3 updates", got)
		}
	}
}

func TestPublishIntervalRate(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeDouble, Value: 1.0})
	sess := loggedInSession(t, dev)

	sub := newSub(t, dev, sess, func(c *Config) {
		c.Settings = dl.Settings{PublishIntervalMs: 100}
	})
	if err := sub.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()

	count := 0
	deadline := time.After(1500 * time.Millisecond)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed early")
			}
			if ev.Kind == KindUpdate {
				count++
			}
		case <-deadline:
			if count < 8 {
				t.Fatalf("expected at least 8 updates at 100ms publish interval, got %d", count)
			}
			return
		}
	}
}

func TestKeepaliveEvents(t *testing.T) {
	dev := devicetest.NewServer()
	defer dev.Close()
	dev.SetNode("plc/app/x", dl.Value{Type: dl.TypeInt32, Value: 1})
	sess := loggedInSession(t, dev)

	sub := newSub(t, dev, sess, func(c *Config) {
		c.Settings = dl.Settings{PublishIntervalMs: 500, KeepaliveIntervalMs: 50}
	})
	if err := sub.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sub.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed early")
			}
			if ev.Kind == KindKeepalive {
				return
			}
		case <-deadline:
			t.Fatalf("no keepalive observed")
		}
	}
}

func TestNewRejectsEmptyNodes(t *testing.T) {
	_, err := New(Config{Auth: dl.StaticAuth{Value: "Bearer x"}})
	if !errors.Is(err, dl.ErrNoNodes) {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
}
