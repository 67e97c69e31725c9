// Command facilitator serves the BCH utxo x402 facilitator REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/x402-bch/facilitator"
	"github.com/x402-bch/facilitator/config"
	x402http "github.com/x402-bch/facilitator/http"
	"github.com/x402-bch/facilitator/internal/buildinfo"
	"github.com/x402-bch/facilitator/logger"
	"github.com/x402-bch/facilitator/mechanisms/bch"
	"github.com/x402-bch/facilitator/mechanisms/bch/ledger"
	utxo "github.com/x402-bch/facilitator/mechanisms/bch/utxo/facilitator"
	"github.com/x402-bch/facilitator/metrics"
	bchsigner "github.com/x402-bch/facilitator/signers/bch"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "facilitator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zl, err := logger.NewZapLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	log := zl.With(map[string]any{"service": "x402-bch-facilitator"})

	log.Info("starting", map[string]any{
		"version": cfg.Version,
		"build":   buildinfo.String(),
		"env":     cfg.Env,
		"apiType": cfg.APIType,
		"node":    cfg.BchServerURL,
		"ledger":  cfg.LedgerPath,
	})

	store, err := ledger.OpenBolt(cfg.LedgerPath, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close ledger", map[string]any{"error": err})
		}
	}()

	client, err := bchsigner.DialRPC(bchsigner.RPCConfig{
		Host:       cfg.BchServerURL,
		User:       cfg.RPCUser,
		Pass:       cfg.RPCPass,
		DisableTLS: cfg.RPCDisableTLS,
	})
	if err != nil {
		return fmt.Errorf("dial node: %w", err)
	}
	wallet := bchsigner.NewRPCWallet(client, bchsigner.WalletConfig{
		Params:             &chaincfg.MainNetParams,
		FacilitatorAddress: cfg.FacilitatorAddress,
		ServerAddress:      cfg.ServerBchAddress,
		Account:            cfg.WalletAccount,
		MinConfirmations:   cfg.MinConfirmations,
		Retry:              bchsigner.RetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay},
		Logger:             log,
	})
	defer wallet.Close()

	scheme := utxo.NewUtxoBchScheme(
		wallet,
		bchsigner.NewMessageVerifier(&chaincfg.MainNetParams),
		ledger.New(store),
		utxo.WithLogger(log),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheusRecorder(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	facilitator := metrics.Instrument(x402.Newx402Facilitator().Register(bch.NetworkMainnet, scheme), recorder)
	facilitator.OnSettleFailure(func(ctx x402.FacilitatorSettleFailureContext) (*x402.FacilitatorSettleFailureHookResult, error) {
		log.Warn("settlement failed", map[string]any{"network": ctx.MetricNetwork(), "error": ctx.Error})
		return nil, nil
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := x402http.NewServer(x402http.ServerConfig{
		Facilitator:    facilitator,
		Network:        bch.NetworkMainnet,
		Version:        cfg.Version,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         log,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]any{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
