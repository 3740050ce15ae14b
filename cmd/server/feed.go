package main

import (
	"log"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"conduitnet.ai/internal/transport/natsfeed"
)

// openNATSFeed connects the tick feed when CN_NATS_URL is set; it returns nil otherwise.
func openNATSFeed(networkID string, logger *log.Logger) (*natsfeed.Feed, error) {
	url := strings.TrimSpace(os.Getenv("CN_NATS_URL"))
	if url == "" {
		return nil, nil
	}
	return natsfeed.Connect(natsfeed.Config{
		URL:       url,
		Name:      "conduitnet-" + networkID,
		Prefix:    strings.TrimSpace(os.Getenv("CN_NATS_PREFIX")),
		Token:     strings.TrimSpace(os.Getenv("CN_NATS_TOKEN")),
		NetworkID: networkID,
		Logger:    logger,
	})
}

func registerFeedMetrics(reg prometheus.Registerer, f *natsfeed.Feed) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "conduitnet", Subsystem: "feed", Name: "published_total",
			Help: "Messages handed to the NATS client.",
		}, func() float64 { return float64(f.Stats().PublishedTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "conduitnet", Subsystem: "feed", Name: "publish_failures_total",
			Help: "Publishes the NATS client rejected.",
		}, func() float64 { return float64(f.Stats().FailedTotal) }),
	)
}
