package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/loomwatch/internal/auth"
	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/hub"
	"github.com/KevinKickass/loomwatch/internal/logging"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	issueRole := pflag.String("issue-token", "", "print a signed token for the given role (poller, supervisor, operator) and exit")
	subject := pflag.String("subject", "cli", "subject of the issued token")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	issuer := auth.NewIssuer(cfg.Hub.HubSecret(), cfg.Hub.Token, cfg.Hub.TokenTTL)

	if *issueRole != "" {
		token, err := issuer.Issue(*subject, *issueRole)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if !issuer.Enabled() {
		logger.Warn("No hub secret or token configured, every connection may push")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.NewHub(logger)
	go h.Run(ctx)

	server := hub.NewServer(cfg.Hub, h, issuer, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start hub", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
	cancel()

	logger.Info("Hub stopped successfully")
}
