package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	dl "github.com/stepherg/datalayer"
	"github.com/stepherg/datalayer/session"
	"github.com/stepherg/datalayer/subscription"
)

// datalayer-watch: logs in to a device, subscribes to the node paths
// given as arguments and prints updates until interrupted.
func main() {
	host := getenv("DATALAYER_HOST", "192.168.1.1")
	port := 443
	if v := os.Getenv("DATALAYER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	user := getenv("DATALAYER_USER", "boschrexroth")
	password := getenv("DATALAYER_PASSWORD", "boschrexroth")

	paths := os.Args[1:]
	if len(paths) == 0 {
		paths = []string{"framework/metrics/system/cpu-utilisation-percent"}
	}

	sess := session.New(session.Config{
		Host:          host,
		Port:          port,
		Username:      user,
		Password:      password,
		Timeout:       10 * time.Second,
		AutoReconnect: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := sess.Login(ctx); err != nil {
		cancel()
		log.Fatalf("login against %s:%d failed: %v", host, port, err)
	}
	cancel()
	log.Printf("logged in to %s:%d as %s", host, port, user)

	agg := subscription.NewAggregator(subscription.AggregatorConfig{
		Host:     host,
		Port:     port,
		Auth:     sess,
		Timeout:  10 * time.Second,
		Settings: dl.Settings{PublishIntervalMs: 500, KeepaliveIntervalMs: 10000},
	})
	for i, p := range paths {
		path := p
		agg.Register("watch-"+strconv.Itoa(i), []string{path}, func(err error, u *dl.Update, eventID string) {
			if err != nil {
				log.Printf("%s: error: %v", path, err)
				return
			}
			ts := dl.FiletimeToTime(u.Value.Timestamp).Format(time.RFC3339Nano)
			log.Printf("%s = %v (%s, event %s, %s)", u.Node, u.Value.Value, u.Value.Type, eventID, ts)
		})
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	agg.Close()
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sess.Close(ctx)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
