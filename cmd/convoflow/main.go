package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/convoflow/convoflow/internal/broker"
	"github.com/convoflow/convoflow/internal/capability"
	"github.com/convoflow/convoflow/internal/config"
	"github.com/convoflow/convoflow/internal/engine"
	"github.com/convoflow/convoflow/internal/gateway"
	"github.com/convoflow/convoflow/internal/llm"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/resolver"
	"github.com/convoflow/convoflow/internal/state/store"
	"github.com/convoflow/convoflow/internal/sweep"
	"github.com/convoflow/convoflow/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	log.Println(version.Get())

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	st := store.New(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	br := broker.New(rdb)

	var capOpts []capability.Option
	if cfg.Capability.MaxRetries > 0 {
		capOpts = append(capOpts, capability.WithMaxRetries(uint64(cfg.Capability.MaxRetries)))
	}
	if cfg.Capability.Timeout > 0 {
		capOpts = append(capOpts, capability.WithHTTPClient(&http.Client{Timeout: cfg.Capability.Timeout.Std()}))
	}
	provider := capability.NewClient(cfg.Capability.BaseURL, cfg.Capability.APIKey, capOpts...)

	var res resolver.Resolver
	switch cfg.Resolver.Mode {
	case "llm":
		client := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
		res = resolver.NewLLMResolver(client, cfg.LLM.Model)
	default:
		res = resolver.NewKeywordResolver(cfg.Resolver.MinScore)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	eng := engine.New(st, br, provider, res, m, engine.Config{
		StepTimeout:   cfg.Workflow.StepTimeout.Std(),
		SuspendExpiry: cfg.Workflow.SuspendExpiry.Std(),
		ExtractScript: cfg.Params.Script,
	})

	sweeper := sweep.New(st, br, m, cfg.Workflow.SuspendExpiry.Std())
	if err := sweeper.Start(cfg.Workflow.SweepInterval.Std()); err != nil {
		return err
	}
	defer sweeper.Stop()

	gw := gateway.New(eng, st, br, registry)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("main: listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		log.Printf("main: received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
