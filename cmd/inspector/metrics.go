package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/xiaowucn/scriber-inspector/internal/config"
)

// pushMetrics sends the default registry (extractor and rule counters) to a
// Prometheus pushgateway. A CLI invocation is too short-lived to be scraped.
func pushMetrics(ctx context.Context, cfg config.MetricsConfig) error {
	return pushMetricsFrom(ctx, cfg, prometheus.DefaultGatherer)
}

func pushMetricsFrom(ctx context.Context, cfg config.MetricsConfig, g prometheus.Gatherer) error {
	if cfg.PushURL == "" {
		return nil
	}
	if err := push.New(cfg.PushURL, cfg.Job).Gatherer(g).AddContext(ctx); err != nil {
		return fmt.Errorf("push to %s: %w", cfg.PushURL, err)
	}
	return nil
}
