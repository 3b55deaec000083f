package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/loomwatch/internal/auth"
	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/interfaces"
	"github.com/KevinKickass/loomwatch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFleet struct {
	devices []types.DeviceConfig
	latest  map[string]types.Snapshot
}

func (f *fakeFleet) Devices() []types.DeviceConfig { return f.devices }

func (f *fakeFleet) Device(key string) (types.DeviceConfig, bool) {
	for _, d := range f.devices {
		if d.Key == key {
			return d, true
		}
	}
	return types.DeviceConfig{}, false
}

func (f *fakeFleet) Latest(key string) (types.Snapshot, bool) {
	s, ok := f.latest[key]
	return s, ok
}

func (f *fakeFleet) Snapshots() []types.Snapshot { return nil }

type write struct {
	addr, value uint16
	coil        bool
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (w *fakeWriter) WriteRegister(_ context.Context, _ types.DeviceConfig, addr, value uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{addr: addr, value: value})
	return w.err
}

func (w *fakeWriter) PulseCoil(_ context.Context, _ types.DeviceConfig, addr uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{addr: addr, coil: true})
	return w.err
}

func (w *fakeWriter) recorded() []write {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]write(nil), w.writes...)
}

type fakeLifecycle struct {
	fleet     *fakeFleet
	writer    *fakeWriter
	reloadErr error
	reloads   int
}

func (l *fakeLifecycle) Fleet() interfaces.Fleet               { return l.fleet }
func (l *fakeLifecycle) DeviceWriter() interfaces.DeviceWriter { return l.writer }
func (l *fakeLifecycle) Shutdown(context.Context) error        { return nil }

func (l *fakeLifecycle) ReloadRegistry(context.Context) (int, error) {
	l.reloads++
	return len(l.fleet.devices), l.reloadErr
}

func (l *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", DeviceCount: len(l.fleet.devices)}
}

func u16(v uint16) *uint16 { return &v }

func newTestServer(issuer *auth.Issuer) (*Server, *fakeLifecycle) {
	lm := &fakeLifecycle{
		fleet: &fakeFleet{
			devices: []types.DeviceConfig{
				{Key: "L1", Name: "Loom 1", Group: "A", Mode: types.ModeDirect, HoldingOffset: 100,
					Layout: types.DirectLayout{Target: u16(7)}, CoilReset: u16(12)},
				{Key: "L2", Name: "Loom 2", Group: "A", Mode: types.ModeAccumulator},
			},
			latest: map[string]types.Snapshot{"L1": {Key: "L1", Production: 42}},
		},
		writer: &fakeWriter{},
	}
	if issuer == nil {
		issuer = auth.NewIssuer("", "", 0)
	}
	return NewServer(&config.Config{}, lm, issuer, zap.NewNop()), lm
}

func do(s *Server, method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestListAndGetDevices(t *testing.T) {
	s, _ := newTestServer(nil)

	w := do(s, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Count   int              `json:"count"`
		Devices []map[string]any `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)
	assert.Contains(t, list.Devices[0], "state")
	assert.NotContains(t, list.Devices[1], "state")

	w = do(s, http.MethodGet, "/api/v1/devices/L1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hil_act":42`)

	w = do(s, http.MethodGet, "/api/v1/devices/NOPE", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "DEVICE_404")
}

func TestSetTargetWritesConfiguredRegister(t *testing.T) {
	s, lm := newTestServer(nil)

	w := do(s, http.MethodPost, "/api/v1/devices/L1/target", `{"value": 900}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []write{{addr: 107, value: 900}}, lm.writer.recorded())

	w = do(s, http.MethodPost, "/api/v1/devices/L1/target", `{"value": 5, "address": 3}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, write{addr: 3, value: 5}, lm.writer.recorded()[1])
}

func TestSetTargetErrors(t *testing.T) {
	s, lm := newTestServer(nil)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/devices/L1/target", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/devices/L1/target", `{"value": 70000}`).Code)
	assert.Equal(t, http.StatusConflict, do(s, http.MethodPost, "/api/v1/devices/L2/target", `{"value": 1}`).Code)

	lm.writer.err = wrap(types.ErrDeviceUnreachable)
	w := do(s, http.MethodPost, "/api/v1/devices/L1/target", `{"value": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSetTargetRejectsRegisterPastAddressSpace(t *testing.T) {
	s, lm := newTestServer(nil)
	lm.fleet.devices = append(lm.fleet.devices, types.DeviceConfig{
		Key: "L3", Mode: types.ModeDirect, HoldingOffset: 0xFFF0,
		Layout: types.DirectLayout{Target: u16(0x20)},
	})

	w := do(s, http.MethodPost, "/api/v1/devices/L3/target", `{"value": 1}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "DEVICE_409")
	assert.Empty(t, lm.writer.recorded())
}

func wrap(err error) error {
	return errors.Join(errors.New("device L1 at 10.0.0.1:502"), err)
}

func TestResetIsDetached(t *testing.T) {
	s, lm := newTestServer(nil)

	w := do(s, http.MethodPost, "/api/v1/devices/L1/reset", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool {
		return len(lm.writer.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, write{addr: 12, coil: true}, lm.writer.recorded()[0])

	w = do(s, http.MethodPost, "/api/v1/devices/L1/end-shift", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCommandsRequireOperator(t *testing.T) {
	issuer := auth.NewIssuer("s3cret", "", time.Minute)
	s, lm := newTestServer(issuer)

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/api/v1/devices/L1/reset", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/v1/devices", "").Code)

	token, err := issuer.Issue("op", auth.RoleOperator)
	require.NoError(t, err)
	w := do(s, http.MethodPost, "/api/v1/registry/reload", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, lm.reloads)
}

func TestReloadFailure(t *testing.T) {
	s, lm := newTestServer(nil)
	lm.reloadErr = errors.New("registry down")

	w := do(s, http.MethodPost, "/api/v1/registry/reload", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "REGISTRY_502")
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(nil)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code)

	w := do(s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"device_count":2`)
}
