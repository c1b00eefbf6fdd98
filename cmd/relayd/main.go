// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command relayd runs the relay routing daemon: credit-enforced LLM
// request routing with fallback, validation, and council mode over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/relaycore/internal/config"
	"github.com/jeranaias/relaycore/internal/engine"
	"github.com/jeranaias/relaycore/internal/ledger"
	"github.com/jeranaias/relaycore/internal/provider"
	"github.com/jeranaias/relaycore/internal/server"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config file (TOML or JSON)")
	port := flag.Int("port", 0, "override listen port")
	flag.Parse()

	if err := run(*configPath, *port); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, portOverride int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	cat, err := cfg.Catalog()
	if err != nil {
		return err
	}
	log.Printf("RELAYD: %s", cat)

	store, err := ledger.OpenSQLite(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	adapter := provider.NewHTTPAdapter(cfg.Provider.APIKey)
	if cfg.Provider.BaseURL != "" {
		adapter = adapter.WithBaseURL(cfg.Provider.BaseURL)
	}
	registry := provider.NewRegistry()
	registry.SetDefault(adapter)

	eng := engine.New(cat, registry, ledger.NewGuard(store), engine.Options{
		PrivilegedUsers: cfg.Server.PrivilegedUsers,
		AttemptTimeout:  time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		CouncilDeadline: time.Duration(cfg.Council.DeadlineSeconds) * time.Second,
	})

	// Hot-reload the cost table when the config file changes. In-flight
	// requests keep the catalog they started with.
	watcher, err := config.Watch(configPath, func(next *config.Config) {
		nextCat, err := next.Catalog()
		if err != nil {
			log.Printf("RELAYD: reload rejected: %v", err)
			return
		}
		eng.UpdateCatalog(nextCat)
	})
	if err != nil {
		log.Printf("RELAYD: config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(eng, server.Options{
		Port:          cfg.Server.Port,
		RatePerSecond: cfg.Server.RatePerSecond,
		RateBurst:     cfg.Server.RateBurst,
	})
	return srv.ListenAndServe(ctx)
}
