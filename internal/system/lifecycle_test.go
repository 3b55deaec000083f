package system

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T, registryFile string) *config.Config {
	t.Helper()
	return &config.Config{
		Poller:   config.PollerConfig{Period: 20 * time.Millisecond, Concurrency: 2},
		Modbus:   config.ModbusConfig{ConnectTimeout: time.Second, ReadTimeout: time.Second, Retries: 1, MinWindow: 16},
		Registry: config.RegistryConfig{Source: "file", File: registryFile},
		Cache:    config.CacheConfig{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond},
		Hub:      config.HubConfig{URL: "ws://127.0.0.1:1", ReconnectMax: 100 * time.Millisecond},
		Server:   config.ServerConfig{HTTPPort: 0},
	}
}

func TestLifecyclePollsSimulatedLoom(t *testing.T) {
	sim := modbus.NewSimulator(zap.NewNop())
	addr, err := sim.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer sim.Close()
	sim.SetRegister(40, 1000)

	host, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(file, []byte(fmt.Sprintf(`devices:
  - telarKey: "L1"
    telnom: Loom 1
    grupo: A
    modbusIP: %s
    modbusPort: %s
    holdingOffset: 40
    mode: CALC
    activo: 1
`, host, port)), 0o644))

	lm := NewLifecycleManager(testConfig(t, file), zap.NewNop())
	require.NoError(t, lm.Start(context.Background()))
	defer lm.Shutdown(context.Background())

	assert.Equal(t, StateRunning, lm.State())

	require.Eventually(t, func() bool {
		_, ok := lm.Fleet().Latest("L1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	sim.Advance(40, 25)

	assert.Eventually(t, func() bool {
		snap, _ := lm.Fleet().Latest("L1")
		return snap.Production == 25
	}, 5*time.Second, 10*time.Millisecond)

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, 1, status.DeviceCount)
	assert.False(t, status.HubConnected)

	require.NoError(t, lm.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, lm.State())
}

func TestLifecycleRegistryFailureIsFatal(t *testing.T) {
	lm := NewLifecycleManager(testConfig(t, filepath.Join(t.TempDir(), "missing.yaml")), zap.NewNop())

	err := lm.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, lm.State())
	assert.NoError(t, lm.Shutdown(context.Background()))
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Equal(t, "STOPPING", StateStopping.String())
}
