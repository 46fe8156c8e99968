// Package gateway builds the broker driver for the configured broker. It is
// called once per process; the result is passed explicitly to every
// consumer.
package gateway

import (
	"fmt"

	"broker-core/internal/events"
	"broker-core/pkg/config"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/exchanges/dhan"
	"broker-core/pkg/instruments"
	"broker-core/pkg/logger"
)

// Broker bundles a driver with the instrument resolver it was built on.
type Broker struct {
	common.Driver
	Resolver *instruments.Resolver
}

// Options carries shared process services into the factory.
type Options struct {
	Logger *logger.Log
	Bus    *events.Bus
}

// New creates the driver named by cfg.Broker.
func New(cfg *config.Config, opts Options) (*Broker, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	switch cfg.Broker {
	case "dhan":
		return newDhan(cfg, opts)
	default:
		return nil, fmt.Errorf("unsupported broker: %s", cfg.Broker)
	}
}

func newDhan(cfg *config.Config, opts Options) (*Broker, error) {
	src := instruments.NewHTTPSource("dhan", cfg.Instruments.SourceURL, cfg.Instruments.FetchTimeout)
	resolver := instruments.NewResolver(src, instruments.DhanSchema, instruments.Options{
		CacheDir:      cfg.Instruments.CacheDir,
		MaxAge:        cfg.Instruments.MaxAge,
		RetryCooldown: cfg.Instruments.RetryCooldown,
		Logger:        opts.Logger,
		OnRefresh: func(st instruments.Stats) {
			opts.Bus.Publish(events.EventInstrumentsRefreshed, st)
		},
	})

	drv, err := dhan.New(dhan.Config{
		ClientID:     cfg.Dhan.ClientID,
		AccessToken:  cfg.Dhan.AccessToken,
		BaseURL:      cfg.Dhan.BaseURL,
		FeedURL:      cfg.Dhan.FeedURL,
		OrderFeedURL: cfg.Dhan.OrderFeedURL,
		Timeout:      cfg.Dhan.RequestTimeout,
		RateLimits:   rateLimits(cfg.RateLimits),
		OrderUpdates: cfg.Stream.OrderFeed,
	}, resolver, resolver.LookupSecurityID, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("create dhan driver: %w", err)
	}
	return &Broker{Driver: drv, Resolver: resolver}, nil
}

func rateLimits(c config.RateLimitConfig) common.RateLimits {
	return common.RateLimits{
		common.ClassOrder:      c.Orders,
		common.ClassData:       c.Data,
		common.ClassQuote:      c.Quotes,
		common.ClassNonTrading: c.NonTrading,
	}
}
