package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jigsaw-dom/internal/config"
	"jigsaw-dom/internal/feed"
	"jigsaw-dom/internal/server"
	"jigsaw-dom/internal/state"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load() // best-effort: .env is optional

	path := "config.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", path, err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFile)

	logger.Info("jigsaw-dom starting",
		slog.Int("port", cfg.Port),
		slog.String("feed_source", cfg.Feed.Source),
		slog.Int("instruments", len(cfg.Instruments)),
	)

	// Instruments
	instruments := make([]feed.Instrument, 0, len(cfg.Instruments))
	for _, ic := range cfg.Instruments {
		instruments = append(instruments, feed.Instrument{
			Alias:    ic.Alias,
			TickSize: decimal.RequireFromString(ic.TickSize), // validated by config.Load
		})
	}

	// Feed
	var src feed.Feed
	decoder := feed.NewDecoder(instruments)
	switch cfg.Feed.Source {
	case "websocket":
		src = feed.NewWebsocketFeed(cfg.Feed.URL, decoder, cfg.Feed.MaxBadMessageLogsPerSec, logger)
	case "kafka":
		k := cfg.Feed.Kafka
		src = feed.NewKafkaFeed(k.Brokers, k.Topic, k.GroupID, decoder, cfg.Feed.MaxBadMessageLogsPerSec, logger)
	default:
		src = feed.NewSyntheticFeed(50*time.Millisecond, nil, time.Now().UnixNano())
	}

	// State: one engine per active instrument
	st := state.NewState(cfg.Engine.Settings())
	for _, in := range instruments {
		st.AddInstrument(in)
	}
	for _, ic := range cfg.Instruments {
		if !ic.Active {
			continue
		}
		if _, _, err := st.Activate(ic.Alias); err != nil {
			logger.Error("activate instrument", slog.String("alias", ic.Alias), slog.String("err", err.Error()))
			continue
		}
		if err := src.Subscribe(ic.Alias); err != nil {
			logger.Error("subscribe instrument", slog.String("alias", ic.Alias), slog.String("err", err.Error()))
		}
	}

	// HTTP server + WS hub
	srv := server.NewHTTPServer(cfg, st, src, logger)

	// Context & signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start feed (connect loop)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		src.Run(ctx, func(connected bool) {
			st.SetConnected(connected)
			logger.Info("feed status", slog.Bool("connected", connected))
			srv.BroadcastStatus()
		})
	}()

	// Pipe feed -> engines
	go func() {
		for {
			select {
			case ev, ok := <-src.Events():
				if !ok {
					return
				}
				st.Dispatch(ev)
			case err, ok := <-src.Errors():
				if !ok {
					return
				}
				logger.Error("feed error", slog.String("err", err.Error()))
				srv.BroadcastError(err.Error())
			case <-ctx.Done():
				return
			}
		}
	}()

	// Engines -> renderers
	go srv.RunSnapshots(ctx, cfg.SnapshotInterval())

	// HTTP serving
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	done := make(chan struct{})
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
			cancel()
		}
		close(done)
	}()

	// Graceful shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()

	_ = httpSrv.Shutdown(shCtx)
	cancel()
	<-feedDone
	src.Close()
	<-done
	logger.Info("bye", slog.Uint64("dropped_events", st.Dropped()))
}
