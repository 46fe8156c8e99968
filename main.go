package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"broker-core/internal/api"
	"broker-core/internal/events"
	"broker-core/internal/gateway"
	"broker-core/internal/monitor"
	"broker-core/internal/order"
	"broker-core/internal/stream"
	"broker-core/pkg/cache"
	"broker-core/pkg/config"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
)

func main() {
	log := logger.GetLogger()

	cfg, err := config.Load(os.Getenv("BROKER_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAgeDays); err != nil {
		log.WithError(err).Fatal("logger configure failed")
	}
	mainLog := log.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	ltp := cache.NewLTPCache()
	mon := monitor.New(bus, log)
	mon.Start(ctx)

	broker, err := gateway.New(cfg, gateway.Options{Logger: log, Bus: bus})
	if err != nil {
		mainLog.WithError(err).Fatal("broker init failed")
	}
	mainLog.WithFields(logger.Fields{
		"broker":        broker.Name(),
		"authenticated": broker.Authenticated(),
		"capabilities":  broker.Capabilities().List(),
	}).Info("broker ready")
	if !cfg.HasCredentials() {
		mainLog.Warn("no broker credentials; order and account calls will be rejected")
	}

	if err := broker.Resolver.Load(); err != nil {
		mainLog.WithError(err).Info("no usable instrument cache, refreshing")
		if err := broker.Resolver.Refresh(ctx); err != nil {
			mainLog.WithError(err).Warn("instrument refresh failed; lookups will retry on demand")
		}
	}
	broker.Resolver.Start(ctx, cfg.Instruments.RefreshInterval)

	logOrderEvents(ctx, bus, mainLog)

	// Order flow
	executor := order.NewExecutor(broker, bus, log)
	asyncExec := order.NewAsyncExecutor(executor, 4, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for res := range asyncExec.Results() {
			entry := mainLog.WithFields(logger.Fields{
				"intent_id":  res.IntentID,
				"order_id":   res.OrderID,
				"latency_ms": res.Latency.Milliseconds(),
			})
			if res.Success {
				entry.Info("order intent executed")
			} else {
				entry.WithField("error", res.ErrorMsg).Warn("order intent failed")
			}
		}
	}()

	// Streaming
	var dispatcher *stream.Dispatcher
	if cfg.Stream.Enabled {
		dispatcher = stream.NewDispatcher(broker, stream.Options{
			QueueSize:  cfg.Stream.QueueSize,
			BackoffMin: cfg.Stream.BackoffMin,
			BackoffMax: cfg.Stream.BackoffMax,
			Jitter:     true,
			Cache:      ltp,
			CacheTTL:   cfg.Stream.CacheTTL,
			Bus:        bus,
			Logger:     log,
		})
		res := dispatcher.Subscribe(ctx, cfg.Stream.Symbols)
		mainLog.WithFields(logger.Fields{
			"subscribed": len(res.Subscribed),
			"rejected":   len(res.Rejected),
		}).Info("stream subscriptions registered")

		err := dispatcher.Connect(stream.Callbacks{
			OnOrderUpdate: func(u common.OrderUpdate) {
				mainLog.WithFields(logger.Fields{
					"order_id": u.OrderID,
					"status":   u.Status,
					"filled":   u.FilledQuantity,
				}).Info("order update")
			},
			OnReconnect: func(attempt int) {
				mainLog.WithField("attempt", attempt).Warn("stream reconnecting")
			},
			OnError: func(err error) {
				mainLog.WithError(err).Warn("stream error")
			},
		})
		if err != nil {
			mainLog.WithError(err).Error("stream not started")
		}
	}

	// API
	if cfg.HTTP.Enabled {
		deps := api.Deps{
			Broker:      broker,
			Instruments: broker.Resolver,
			Cache:       ltp,
			Bus:         bus,
			Orders:      asyncExec,
			Metrics:     mon.Metrics,
			Logger:      log,
		}
		if dispatcher != nil {
			deps.Stream = dispatcher
		}
		server := api.NewServer(deps)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx, cfg.HTTP.Addr); err != nil {
				mainLog.WithError(err).Fatal("api server error")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	mainLog.Info("shutting down")

	if dispatcher != nil {
		dispatcher.Stop()
	}
	asyncExec.Close()
	cancel()
	wg.Wait()
}

// logOrderEvents records the order lifecycle published by the executor.
func logOrderEvents(ctx context.Context, bus *events.Bus, log *logger.Entry) {
	for _, topic := range []events.Event{events.EventOrderSubmitted, events.EventOrderAccepted, events.EventOrderRejected} {
		ch, unsub := bus.Subscribe(topic, 64)
		go func(topic events.Event) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case v, ok := <-ch:
					if !ok {
						return
					}
					if ev, ok := v.(order.Event); ok {
						log.WithFields(logger.Fields{
							"event":     topic,
							"intent_id": ev.IntentID,
							"action":    ev.Action,
							"symbol":    ev.Symbol,
						}).Debug("order lifecycle")
					}
				}
			}
		}(topic)
	}
}
