package interfaces

import (
	"context"

	"github.com/KevinKickass/loomwatch/internal/types"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State        string `json:"state"`
	Group        string `json:"group,omitempty"`
	DeviceCount  int    `json:"device_count"`
	Published    int    `json:"published_devices"`
	HubConnected bool   `json:"hub_connected"`
}

// Fleet is the scheduler's read view of the looms it polls.
type Fleet interface {
	Devices() []types.DeviceConfig
	Device(key string) (types.DeviceConfig, bool)
	Latest(key string) (types.Snapshot, bool)
	Snapshots() []types.Snapshot
}

// DeviceWriter performs operator-initiated writes on a loom.
type DeviceWriter interface {
	WriteRegister(ctx context.Context, dev types.DeviceConfig, addr, value uint16) error
	PulseCoil(ctx context.Context, dev types.DeviceConfig, addr uint16) error
}

type LifecycleManager interface {
	Fleet() Fleet
	DeviceWriter() DeviceWriter
	ReloadRegistry(ctx context.Context) (int, error)
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
