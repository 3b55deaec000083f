package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/hub"
	"github.com/KevinKickass/loomwatch/internal/types"
	"go.uber.org/zap"
)

// Sink receives every snapshot in addition to the hub links.
type Sink interface {
	Publish(snap types.Snapshot) error
	Close() error
}

// Publisher fans snapshots out over two persistent hub connections: the
// per-loom channel and the group channel. Publish never blocks.
type Publisher struct {
	device *link
	group  *link
	sinks  []Sink

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a publisher for the hub at cfg.URL. Call Start to connect.
func New(cfg config.HubConfig, tokens TokenSource, logger *zap.Logger, sinks ...Sink) *Publisher {
	base := strings.TrimRight(cfg.URL, "/")
	return &Publisher{
		device: newLink("telar", base+"/ws/telar", tokens, cfg.ReconnectMax, logger),
		group:  newLink("supervisor", base+"/ws/supervisor", tokens, cfg.ReconnectMax, logger),
		sinks:  sinks,
		logger: logger,
	}
}

// Start launches both links. They keep reconnecting until Close.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, l := range []*link{p.device, p.group} {
		p.wg.Add(1)
		go func(l *link) {
			defer p.wg.Done()
			l.run(ctx)
		}(l)
	}
}

// Publish emits snap on both hub channels and every sink. A down link or a
// full buffer drops that copy and yields ErrPublishUnavailable; the other
// channels are still attempted.
func (p *Publisher) Publish(snap types.Snapshot) error {
	devMsg, err := json.Marshal(hub.NewMessage(hub.MessageTypeStatePush, snap))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	grpMsg, err := json.Marshal(hub.NewMessage(hub.MessageTypeState, snap))
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	errs := []error{p.device.offer(devMsg), p.group.offer(grpMsg)}
	for _, s := range p.sinks {
		if err := s.Publish(snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connected reports whether both hub links are up.
func (p *Publisher) Connected() bool {
	return p.device.connected.Load() && p.group.connected.Load()
}

// Close stops the links and closes every sink.
func (p *Publisher) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("Publisher closed")
	return errors.Join(errs...)
}
