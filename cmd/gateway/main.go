// Copyright 2025 Certen Protocol
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certenIO/deopenchat-gateway/pkg/chain"
	"github.com/certenIO/deopenchat-gateway/pkg/circuit"
	"github.com/certenIO/deopenchat-gateway/pkg/config"
	"github.com/certenIO/deopenchat-gateway/pkg/gateway"
	"github.com/certenIO/deopenchat-gateway/pkg/journal"
	"github.com/certenIO/deopenchat-gateway/pkg/metrics"
	"github.com/certenIO/deopenchat-gateway/pkg/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if os.Getenv("GATEWAY_ENV") == "production" {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("config validation failed: %v", err)
		}
	} else if err := cfg.ValidateForDevelopment(); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}

	store, err := journal.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("journal store: %v", err)
	}

	chainClient, err := chain.NewClient(chain.Config{
		RPC:        cfg.EthereumURL,
		ChainID:    cfg.EthChainID,
		Contract:   common.HexToAddress(cfg.SettlementContractAddr),
		PrivateKey: cfg.EthPrivateKey,
	})
	if err != nil {
		log.Fatalf("chain client: %v", err)
	}

	prover := circuit.NewProver()
	if cfg.ProverCSPath != "" && cfg.ProverKeyPath != "" && cfg.VerifierKeyPath != "" {
		err = prover.InitializeFromKeys(cfg.ProverCSPath, cfg.ProverKeyPath, cfg.VerifierKeyPath)
	} else {
		log.Printf("no prover key files configured, compiling circuit and running a local trusted setup (development only)")
		err = prover.Initialize()
	}
	if err != nil {
		log.Fatalf("prover init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SettlementContractAddr != "" {
		if err := settlement.CheckImageID(ctx, prover, chainClient); err != nil {
			log.Fatalf("circuit image id mismatch, refusing to start: %v", err)
		}
	}

	counter := &gateway.Counter{}
	backend := gateway.NewHTTPBackend(cfg.BackendURL)
	srv := gateway.NewServer(cfg.ListenAddr, store, backend, chainClient, counter)

	loop, err := settlement.NewLoop(store, prover, chainClient, counter, &settlement.Config{
		CheckInterval: cfg.SettlementCheckInterval,
		Watermark:     cfg.SettlementWatermark,
		ReapInterval:  cfg.ReapInterval,
		ReapMaxAge:    cfg.ReapMaxAge,
		Logger:        log.New(log.Writer(), "[Settlement] ", log.LstdFlags),
	})
	if err != nil {
		log.Fatalf("settlement loop: %v", err)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("gateway server error: %v", err)
		}
	}()

	if err := loop.Start(ctx); err != nil {
		log.Fatalf("start settlement loop: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down gateway...")
	cancel()

	if err := loop.Stop(); err != nil {
		log.Printf("settlement loop stop error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Printf("gateway stopped")
}
