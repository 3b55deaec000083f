// Package registry loads the loom fleet from the external device directory.
package registry

import (
	"context"
	"fmt"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/types"
	"go.uber.org/zap"
)

// Source returns the raw map view rows for a group ("" for every group).
type Source interface {
	Records(ctx context.Context, group string) ([]types.DeviceRecord, error)
	Close()
}

// Registry normalizes a Source into device configurations. It holds no state
// between loads.
type Registry struct {
	source Source
	group  string
	logger *zap.Logger
}

func New(source Source, group string, logger *zap.Logger) *Registry {
	return &Registry{source: source, group: group, logger: logger}
}

// Open builds the registry for cfg.Registry.Source.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	var (
		source Source
		err    error
	)
	switch cfg.Registry.Source {
	case "http":
		source, err = NewHTTPSource(cfg.Registry)
	case "file":
		source = NewFileSource(cfg.Registry.File)
	case "postgres":
		source, err = NewPostgresSource(ctx, cfg.Database)
	default:
		err = fmt.Errorf("unknown registry source %q", cfg.Registry.Source)
	}
	if err != nil {
		return nil, err
	}
	return New(source, cfg.Poller.Group, logger), nil
}

// Load fetches the active fleet. Rows that cannot be normalized are skipped
// with a warning; only a failure to reach the source is an error.
func (r *Registry) Load(ctx context.Context) ([]types.DeviceConfig, error) {
	records, err := r.source.Records(ctx, r.group)
	if err != nil {
		return nil, fmt.Errorf("failed to load device registry: %w", err)
	}

	seen := make(map[string]bool, len(records))
	devices := make([]types.DeviceConfig, 0, len(records))
	for _, rec := range records {
		dev, err := rec.ToConfig()
		if err != nil {
			r.logger.Warn("Skipping invalid registry row", zap.Error(err))
			continue
		}
		if !dev.Active {
			continue
		}
		if r.group != "" && dev.Group != r.group {
			continue
		}
		if seen[dev.Key] {
			r.logger.Warn("Skipping duplicate registry row", zap.String("device", dev.Key))
			continue
		}
		seen[dev.Key] = true
		devices = append(devices, dev)
	}

	if len(devices) == 0 {
		r.logger.Warn("Device registry returned no active looms", zap.String("group", r.group))
	} else {
		r.logger.Info("Device registry loaded",
			zap.Int("devices", len(devices)),
			zap.String("group", r.group))
	}

	return devices, nil
}

func (r *Registry) Close() {
	r.source.Close()
}
