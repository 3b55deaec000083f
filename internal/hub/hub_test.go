package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/loomwatch/internal/auth"
	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testHub struct {
	url    string
	issuer *auth.Issuer
	hub    *Hub
}

func startHub(t *testing.T, issuer *auth.Issuer) *testHub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(zap.NewNop())
	go h.Run(ctx)

	srv := httptest.NewServer(NewServer(config.HubConfig{}, h, issuer, zap.NewNop()).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testHub{url: "ws" + strings.TrimPrefix(srv.URL, "http"), issuer: issuer, hub: h}
}

func (th *testHub) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(th.url+path, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Inbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var in Inbound
	require.NoError(t, conn.ReadJSON(&in))
	return in
}

func write(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestDevicePushReachesLoomRoom(t *testing.T) {
	th := startHub(t, auth.NewIssuer("", "shared", time.Minute))

	dashboard := th.dial(t, "/ws/telar", "")
	write(t, dashboard, Inbound{Type: MessageTypeJoin, Keys: []string{"L1"}})
	joined := read(t, dashboard)
	require.Equal(t, MessageTypeJoined, joined.Type)

	poller := th.dial(t, "/ws/telar", "shared")
	write(t, poller, NewMessage(MessageTypeStatePush, map[string]interface{}{"telcod": "L2", "grupo": "A"}))
	write(t, poller, NewMessage(MessageTypeStatePush, map[string]interface{}{"telcod": "L1", "grupo": "A", "hil_act": 7}))

	msg := read(t, dashboard)
	assert.Equal(t, MessageTypeState, msg.Type)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "L1", payload["telcod"], "pushes for other looms are not delivered")
	assert.Equal(t, float64(7), payload["hil_act"])
}

func TestGroupPushReachesGroupAndAll(t *testing.T) {
	th := startHub(t, auth.NewIssuer("", "", 0))

	groupA := th.dial(t, "/ws/supervisor", "")
	write(t, groupA, Inbound{Type: MessageTypeJoinGroup, Groups: []string{"A"}})
	require.Equal(t, MessageTypeJoined, read(t, groupA).Type)

	all := th.dial(t, "/ws/supervisor", "")
	write(t, all, Inbound{Type: MessageTypeJoinGroup, Groups: []string{"ALL"}})
	require.Equal(t, MessageTypeJoined, read(t, all).Type)

	poller := th.dial(t, "/ws/supervisor", "")
	write(t, poller, NewMessage(MessageTypeState, map[string]interface{}{"telcod": "L9", "grupo": "B"}))
	write(t, poller, NewMessage(MessageTypeState, map[string]interface{}{"telcod": "L1", "grupo": "A"}))

	var first StatePayload
	require.NoError(t, json.Unmarshal(read(t, all).Data, &first))
	assert.Equal(t, "L9", first.Key)

	var second StatePayload
	require.NoError(t, json.Unmarshal(read(t, all).Data, &second))
	assert.Equal(t, "L1", second.Key)

	var onlyA StatePayload
	require.NoError(t, json.Unmarshal(read(t, groupA).Data, &onlyA))
	assert.Equal(t, "L1", onlyA.Key)
}

func TestUnauthenticatedPushIsRejected(t *testing.T) {
	th := startHub(t, auth.NewIssuer("s3cret", "", time.Minute))

	anonymous := th.dial(t, "/ws/telar", "")
	write(t, anonymous, NewMessage(MessageTypeStatePush, map[string]interface{}{"telcod": "L1"}))

	reply := read(t, anonymous)
	assert.Equal(t, MessageTypeError, reply.Type)

	var reason ErrorData
	require.NoError(t, json.Unmarshal(reply.Data, &reason))
	assert.Equal(t, "push not permitted", reason.Reason)

	supervisorToken, err := th.issuer.Issue("desk", auth.RoleSupervisor)
	require.NoError(t, err)
	viewer := th.dial(t, "/ws/telar", supervisorToken)
	write(t, viewer, NewMessage(MessageTypeStatePush, map[string]interface{}{"telcod": "L1"}))
	assert.Equal(t, MessageTypeError, read(t, viewer).Type)
}

func TestInvalidTokenFailsHandshake(t *testing.T) {
	th := startHub(t, auth.NewIssuer("s3cret", "", time.Minute))

	header := http.Header{}
	header.Set("Authorization", "Bearer nope")
	_, resp, err := websocket.DefaultDialer.Dial(th.url+"/ws/telar", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWrongEndpointAndUnknownType(t *testing.T) {
	th := startHub(t, auth.NewIssuer("", "", 0))
	conn := th.dial(t, "/ws/telar", "")

	write(t, conn, NewMessage(MessageTypeState, map[string]interface{}{"grupo": "A"}))
	assert.Equal(t, MessageTypeError, read(t, conn).Type)

	write(t, conn, Inbound{Type: "bogus"})
	assert.Equal(t, MessageTypeError, read(t, conn).Type)
}

func TestLeaveStopsDelivery(t *testing.T) {
	th := startHub(t, auth.NewIssuer("", "", 0))

	dashboard := th.dial(t, "/ws/telar", "")
	write(t, dashboard, Inbound{Type: MessageTypeJoin, Keys: []string{"L1"}})
	require.Equal(t, MessageTypeJoined, read(t, dashboard).Type)
	require.Equal(t, 1, th.hub.RoomSize(DeviceRoom("L1")))

	write(t, dashboard, Inbound{Type: MessageTypeLeave})
	assert.Eventually(t, func() bool { return th.hub.RoomSize(DeviceRoom("L1")) == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	h := NewHub(zap.NewNop())
	srv := NewServer(config.HubConfig{}, h, auth.NewIssuer("", "", 0), zap.NewNop())

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connected_clients":0`)
}
