// Command sessiond runs the authenticated WebSocket session server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage-relay/config"
	"github.com/sage-x-project/sage-relay/internal/audit"
	"github.com/sage-x-project/sage-relay/internal/logger"
	"github.com/sage-x-project/sage-relay/internal/metrics"
	"github.com/sage-x-project/sage-relay/server"
	"github.com/sage-x-project/sage-relay/wallet"
	"github.com/sage-x-project/sage-relay/wallet/ethwallet"
	"github.com/sage-x-project/sage-relay/wallet/solwallet"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "Authenticated WebSocket session server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server and block until terminated",
	RunE:  runServe,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a server config file (YAML or JSON)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolveWallet(wc config.WalletConfig) (wallet.Wallet, wallet.Scheme, error) {
	var scheme wallet.Scheme
	switch wc.Scheme {
	case "", "ethereum":
		scheme = ethwallet.Scheme{}
	case "solana":
		scheme = solwallet.Scheme{}
	default:
		return nil, nil, fmt.Errorf("unknown wallet scheme %q", wc.Scheme)
	}

	if wc.PrivateKey != "" {
		w, err := scheme.RestoreFromPrivateKey(wc.PrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("restore wallet: %w", err)
		}
		return w, scheme, nil
	}

	w, err := scheme.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("generate wallet: %w", err)
	}
	return w, scheme, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}

	log := logger.NewLogger(os.Stdout, logger.InfoLevel)
	if cfg.Logging.Level == "debug" {
		log.SetLevel(logger.DebugLevel)
	}
	logger.SetDefault(log)

	w, scheme, err := resolveWallet(cfg.Wallet)
	if err != nil {
		return err
	}
	log.Info("wallet ready", logger.String("address", w.Address()))

	opts := server.Options{Logger: log}
	if cfg.AuditDSN != "" {
		sink, err := audit.Open(context.Background(), cfg.AuditDSN)
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		opts.Audit = sink
	}

	srv := server.New(w, scheme, *cfg, opts)
	srv.OnConnected(func(p *server.Peer) {
		log.Info("peer connected", logger.String("address", p.Address()))
	})
	srv.OnDisconnected(func(p *server.Peer) {
		log.Info("peer disconnected", logger.String("address", p.Address()))
	})
	srv.OnError(func(e *server.Error) {
		log.Warn("server error", logger.String("kind", string(e.Kind)), logger.Err(e.Err))
	})

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Info("metrics listening", logger.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.Error("metrics server stopped", logger.Err(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Listen(func(addr string) {
			log.Info("sessiond listening", logger.String("addr", addr))
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
		log.Info("shutting down")
	}

	done := make(chan struct{})
	go func() { srv.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("shutdown timed out")
	}
	return nil
}
