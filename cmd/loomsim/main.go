package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/logging"
	"github.com/KevinKickass/loomwatch/internal/registry"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	devicesPath := pflag.StringP("devices", "d", "configs/devices.yaml", "device file in registry map format")
	host := pflag.String("host", "127.0.0.1", "address to listen on")
	tick := pflag.Duration("tick", time.Second, "simulation step")
	rate := pflag.Uint16("rate", 3, "pulses or rows per loom per step")
	level := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	logger, err := logging.New(config.LogConfig{Level: *level, Development: true})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	reg := registry.New(registry.NewFileSource(*devicesPath), "", logger)
	devices, err := reg.Load(context.Background())
	if err != nil {
		logger.Fatal("Failed to load devices", zap.Error(err))
	}

	b, err := newBench(devices, *host, logger)
	if err != nil {
		logger.Fatal("Failed to start simulators", zap.Error(err))
	}
	defer b.Close()

	logger.Info("Loom simulator running",
		zap.Int("looms", len(devices)),
		zap.Int("ports", len(b.sims)),
		zap.Duration("tick", *tick))

	speed := uint16(float64(*rate) / tick.Seconds() * 60)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.step(*rate, speed)
		case <-sigChan:
			logger.Info("Loom simulator stopped")
			return
		}
	}
}
