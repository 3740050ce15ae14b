// Package natsfeed publishes tick summaries and committed transfers to NATS
// subjects so other services can follow a network without polling.
package natsfeed

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"conduitnet.ai/internal/sim/driver"
)

const DefaultPrefix = "conduitnet"

type Config struct {
	URL       string
	Name      string
	Prefix    string
	Token     string
	NetworkID string
	Logger    *log.Logger
}

// conn is the part of *nats.Conn the feed uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type Stats struct {
	PublishedTotal uint64 `json:"published_total"`
	FailedTotal    uint64 `json:"failed_total"`
}

// Feed implements driver.TickLogger. Publish only buffers in the client, so it
// is safe to call from the tick loop.
type Feed struct {
	nc       conn
	tickSubj string
	xferSubj string
	logger   *log.Logger
	logLimit *rate.Limiter

	published atomic.Uint64
	failed    atomic.Uint64
}

func Connect(cfg Config) (*Feed, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("empty nats url")
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DrainTimeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if cfg.Logger != nil && err != nil {
				cfg.Logger.Printf("nats feed disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if cfg.Logger != nil {
				cfg.Logger.Printf("nats feed reconnected to %s", c.ConnectedUrl())
			}
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return newFeed(nc, cfg), nil
}

func newFeed(nc conn, cfg Config) *Feed {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Feed{
		nc:       nc,
		tickSubj: Subject(prefix, cfg.NetworkID, "tick"),
		xferSubj: Subject(prefix, cfg.NetworkID, "transfer"),
		logger:   cfg.Logger,
		logLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Subject builds <prefix>.<network>.<kind>. Characters NATS treats as token
// separators or wildcards are replaced in the network id.
func Subject(prefix, networkID, kind string) string {
	id := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, strings.TrimSpace(networkID))
	if id == "" {
		id = "_"
	}
	return prefix + "." + id + "." + kind
}

func (f *Feed) WriteTick(e driver.TickEntry) error {
	summary := e
	summary.Transfers = nil
	if err := f.publish(f.tickSubj, summary); err != nil {
		return err
	}
	for _, tr := range e.Transfers {
		if err := f.publish(f.xferSubj, tr); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := f.nc.Publish(subject, b); err != nil {
		f.failed.Add(1)
		if f.logger != nil && f.logLimit.Allow() {
			f.logger.Printf("nats feed publish %s: %v (failed=%d)", subject, err, f.failed.Load())
		}
		return err
	}
	f.published.Add(1)
	return nil
}

func (f *Feed) Stats() Stats {
	return Stats{PublishedTotal: f.published.Load(), FailedTotal: f.failed.Load()}
}

// Close flushes buffered messages and closes the connection.
func (f *Feed) Close() error {
	return f.nc.Drain()
}
