// Command session-client is an interactive demo client for the
// authenticated WebSocket session server.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage-relay/client"
	"github.com/sage-x-project/sage-relay/config"
	"github.com/sage-x-project/sage-relay/internal/logger"
	"github.com/sage-x-project/sage-relay/wallet"
	"github.com/sage-x-project/sage-relay/wallet/ethwallet"
	"github.com/sage-x-project/sage-relay/wallet/solwallet"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "session-client",
	Short: "Authenticated WebSocket session client",
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a session server and relay stdin lines as messages",
	RunE:  runConnect,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	connectCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a client config file (YAML or JSON)")
	rootCmd.AddCommand(connectCmd)
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

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return err
	}

	log := logger.NewLogger(os.Stdout, logger.InfoLevel)
	logger.SetDefault(log)

	w, scheme, err := resolveWallet(cfg.Wallet)
	if err != nil {
		return err
	}
	log.Info("wallet ready", logger.String("address", w.Address()))

	c := client.New(w, scheme, *cfg)
	c.OnConnected(func() {
		log.Info("connected")
	})
	c.OnAuthenticated(func(serverAddr string) {
		log.Info("authenticated", logger.String("server", serverAddr))
	})
	c.OnMessage(func(msg any) {
		data, _ := json.Marshal(msg)
		fmt.Printf("< %s\n", data)
	})
	c.OnDisconnected(func() {
		log.Warn("disconnected")
	})
	c.OnReconnecting(func(attempt int, delay time.Duration) {
		log.Info("reconnecting", logger.Int("attempt", attempt), logger.Duration("delay", delay))
	})
	c.OnError(func(e *client.Error) {
		log.Warn("client error", logger.String("kind", string(e.Kind)), logger.Err(e.Err))
	})

	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Disconnect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.Send(map[string]string{"type": "chat", "text": line}); err != nil {
				log.Warn("send failed", logger.Err(err))
			}
		}
	}
}
