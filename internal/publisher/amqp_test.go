package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/loomwatch/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Connect() (<-chan *amqp.Error, error) {
	args := m.Called()
	closed, _ := args.Get(0).(chan *amqp.Error)
	return closed, args.Error(1)
}

func (m *mockBroker) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	return m.Called(routingKey, msg).Error(0)
}

func (m *mockBroker) Close() error {
	return m.Called().Error(0)
}

func newTestSink(b broker, queueSize int) *AMQPSink {
	return newAMQPSink(b, queueSize, time.Millisecond, 5*time.Millisecond, zap.NewNop())
}

func TestAMQPSinkRoutesByGroupAndFlushesOnClose(t *testing.T) {
	b := &mockBroker{}
	b.On("Connect").Return(make(chan *amqp.Error, 1), nil).Once()
	b.On("Publish", "A", mock.MatchedBy(func(msg amqp.Publishing) bool {
		return msg.ContentType == "application/json" && msg.DeliveryMode == amqp.Persistent && msg.MessageId != ""
	})).Return(nil).Twice()
	b.On("Publish", "B", mock.Anything).Return(nil).Once()
	b.On("Close").Return(nil).Once()

	s := newTestSink(b, 8)
	require.Eventually(t, s.Connected, time.Second, time.Millisecond)

	require.NoError(t, s.Publish(types.Snapshot{Key: "L1", Group: "A", Production: 10}))
	require.NoError(t, s.Publish(types.Snapshot{Key: "L2", Group: "A"}))
	require.NoError(t, s.Publish(types.Snapshot{Key: "L3", Group: "B"}))
	require.NoError(t, s.Close())

	b.AssertExpectations(t)

	var keys []string
	for _, call := range b.Calls {
		if call.Method != "Publish" {
			continue
		}
		var snap types.Snapshot
		require.NoError(t, json.Unmarshal(call.Arguments.Get(1).(amqp.Publishing).Body, &snap))
		keys = append(keys, snap.Key)
	}
	assert.Equal(t, []string{"L1", "L2", "L3"}, keys)

	assert.ErrorIs(t, s.Publish(types.Snapshot{Key: "L1"}), types.ErrPublishUnavailable)
}

func TestAMQPSinkDropsWhenQueueFull(t *testing.T) {
	b := &mockBroker{}
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	b.On("Connect").Return(make(chan *amqp.Error, 1), nil).Once()
	b.On("Publish", "A", mock.Anything).Run(func(mock.Arguments) {
		started <- struct{}{}
		<-release
	}).Return(nil)
	b.On("Close").Return(nil)

	s := newTestSink(b, 2)
	require.Eventually(t, s.Connected, time.Second, time.Millisecond)

	require.NoError(t, s.Publish(types.Snapshot{Key: "L1", Group: "A"}))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first snapshot was not sent")
	}

	require.NoError(t, s.Publish(types.Snapshot{Key: "L2", Group: "A"}))
	require.NoError(t, s.Publish(types.Snapshot{Key: "L3", Group: "A"}))
	assert.ErrorIs(t, s.Publish(types.Snapshot{Key: "L4", Group: "A"}), types.ErrPublishUnavailable)

	close(release)
	require.NoError(t, s.Close())
	b.AssertNumberOfCalls(t, "Publish", 3)
}

func TestAMQPSinkReconnectsAfterConnectionLoss(t *testing.T) {
	b := &mockBroker{}
	var connects atomic.Int32
	count := func(mock.Arguments) { connects.Add(1) }
	first := make(chan *amqp.Error, 1)

	// broker down at startup, then up, then dropped
	b.On("Connect").Return(nil, errors.New("connection refused")).Run(count).Once()
	b.On("Connect").Return(first, nil).Run(count).Once()
	b.On("Connect").Return(make(chan *amqp.Error, 1), nil).Run(count).Once()
	b.On("Publish", "A", mock.Anything).Return(nil)
	b.On("Close").Return(nil)

	s := newTestSink(b, 8)
	require.Eventually(t, func() bool { return connects.Load() == 2 && s.Connected() },
		2*time.Second, time.Millisecond)

	first <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	require.Eventually(t, func() bool { return connects.Load() == 3 && s.Connected() },
		2*time.Second, time.Millisecond)

	require.NoError(t, s.Publish(types.Snapshot{Key: "L1", Group: "A"}))
	require.NoError(t, s.Close())
	b.AssertExpectations(t)
}

func TestAMQPSinkCloseWhileDisconnected(t *testing.T) {
	b := &mockBroker{}
	b.On("Connect").Return(nil, errors.New("connection refused"))
	b.On("Close").Return(nil)

	s := newTestSink(b, 8)
	assert.ErrorIs(t, s.Publish(types.Snapshot{Key: "L1", Group: "A"}), types.ErrPublishUnavailable)

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on reconnect")
	}
	b.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}
