// driver_check is a smoke tool for the configured broker driver.
//
// Usage:
//
//	go run ./scripts/driver_check                 # capabilities + index quote
//	go run ./scripts/driver_check quote NSE:INFY
//	go run ./scripts/driver_check account
//	go run ./scripts/driver_check history NSE:INFY --interval 5m --days 2
//	go run ./scripts/driver_check stream NSE:INFY NSE:RELIANCE --for 30s
//
// Credentials come from DHAN_CLIENT_ID / DHAN_ACCESS_TOKEN (or .env).
// Without them, read calls degrade and order calls are rejected locally.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"broker-core/internal/events"
	"broker-core/internal/gateway"
	"broker-core/internal/stream"
	"broker-core/pkg/config"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
)

type rootConfig struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}
	cmd := &cobra.Command{
		Use:   "driver_check",
		Short: "Exercise the broker driver against the live API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(rc, func(ctx context.Context, b *gateway.Broker) error {
				caps := b.Capabilities()
				fmt.Printf("broker=%s authenticated=%v\n", b.Name(), b.Authenticated())
				fmt.Printf("capabilities: %v\n", caps.List())
				printJSON("quote NSE:NIFTY 50", b.GetQuote(ctx, "NSE:NIFTY 50"))
				return nil
			})
		},
	}
	cmd.PersistentFlags().StringVar(&rc.configPath, "config", os.Getenv("BROKER_CONFIG"), "YAML config file")
	cmd.PersistentFlags().StringVar(&rc.logLevel, "log-level", "warn", "log level")

	cmd.AddCommand(
		newQuoteCmd(rc),
		newAccountCmd(rc),
		newHistoryCmd(rc),
		newStreamCmd(rc),
	)
	return cmd
}

func newQuoteCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "quote KEY...",
		Short: "Print last price for EXCHANGE:SYMBOL keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(rc, func(ctx context.Context, b *gateway.Broker) error {
				for _, key := range args {
					printJSON("quote "+key, b.GetQuote(ctx, key))
				}
				return nil
			})
		},
	}
}

func newAccountCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Print funds, positions, order book and trade book",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(rc, func(ctx context.Context, b *gateway.Broker) error {
				printJSON("funds", b.GetFunds(ctx))
				printJSON("positions", b.GetPositions(ctx))
				printJSON("orders", b.GetOrderBook(ctx))
				printJSON("trades", b.GetTradeBook(ctx))
				return nil
			})
		},
	}
}

func newHistoryCmd(rc *rootConfig) *cobra.Command {
	var (
		interval string
		days     int
		oi       bool
	)
	cmd := &cobra.Command{
		Use:   "history KEY",
		Short: "Print candles for one EXCHANGE:SYMBOL key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(rc, func(ctx context.Context, b *gateway.Broker) error {
				to := time.Now()
				candles := b.GetHistory(ctx, common.HistoryRequest{
					Symbol:   args[0],
					Interval: interval,
					From:     to.AddDate(0, 0, -days),
					To:       to,
					OI:       oi,
				})
				fmt.Printf("%d candles\n", len(candles))
				printJSON("history "+args[0], candles)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&interval, "interval", common.IntervalDay, "1m, 5m, 15m, 25m, 60m or day")
	cmd.Flags().IntVar(&days, "days", 5, "lookback in days")
	cmd.Flags().BoolVar(&oi, "oi", false, "include open interest")
	return cmd
}

func newStreamCmd(rc *rootConfig) *cobra.Command {
	var runFor time.Duration
	cmd := &cobra.Command{
		Use:   "stream KEY...",
		Short: "Subscribe to ticks and print them for a while",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(rc, func(ctx context.Context, b *gateway.Broker) error {
				d := stream.NewDispatcher(b, stream.Options{})
				res := d.Subscribe(ctx, args)
				for key, err := range res.Rejected {
					fmt.Printf("rejected %s: %v\n", key, err)
				}
				err := d.Connect(stream.Callbacks{
					OnTick: func(t common.Tick) {
						fmt.Printf("%s %s:%s ltp=%.2f vol=%d\n", t.Time.Format(time.TimeOnly), t.Exchange, t.Symbol, t.LastPrice, t.Volume)
					},
					OnOrderUpdate: func(u common.OrderUpdate) {
						fmt.Printf("order %s %s filled=%d\n", u.OrderID, u.Status, u.FilledQuantity)
					},
					OnReconnect: func(attempt int) { fmt.Printf("reconnecting (attempt %d)\n", attempt) },
					OnError:     func(err error) { fmt.Printf("stream error: %v\n", err) },
				})
				if err != nil {
					return err
				}
				defer d.Stop()

				select {
				case <-ctx.Done():
				case <-time.After(runFor):
				}
				printJSON("stats", d.Stats())
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&runFor, "for", 30*time.Second, "how long to stream")
	return cmd
}

func withBroker(rc *rootConfig, fn func(ctx context.Context, b *gateway.Broker) error) error {
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	log := logger.GetLogger()
	if err := log.Configure(rc.logLevel, "text", "stderr", 0); err != nil {
		return err
	}

	b, err := gateway.New(cfg, gateway.Options{Logger: log, Bus: events.NewBus()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := b.Resolver.Load(); err != nil {
		fmt.Println("instrument cache unusable, downloading master list...")
		if err := b.Resolver.Refresh(ctx); err != nil {
			return fmt.Errorf("instrument refresh: %w", err)
		}
	}
	st := b.Resolver.Stats()
	fmt.Printf("instruments: %d (source=%s, loaded %s)\n", st.Count, st.Source, st.LoadedAt.Format(time.RFC3339))
	return fn(ctx, b)
}

func printJSON(label string, v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%s: %v\n", label, err)
		return
	}
	fmt.Printf("%s:\n%s\n", label, out)
}
