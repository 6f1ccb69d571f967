package feedmux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, network *fakeNetwork, opts ...Option) *Client {
	t.Helper()

	cfg := Config{Endpoint: "ws://feed.test/ws"}
	opts = append([]Option{
		withTransportFactory(network.factory()),
		WithReconnectPolicy(FixedDelay(time.Millisecond)),
	}, opts...)
	return New(cfg, opts...)
}

func chanHandler() (Handler, chan Envelope) {
	ch := make(chan Envelope, 16)
	return func(env Envelope) { ch <- env }, ch
}

func recvEnvelope(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func assertNoEnvelope(t *testing.T, ch <-chan Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope: %s", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeBeforeOpenFlushesQueueInOrder(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)

	handler, _ := chanHandler()
	client.Subscribe("prices", handler)
	require.NoError(t, client.Send(map[string]any{"type": "hello"}))

	require.NoError(t, client.Connect(context.Background()))

	conn := network.conn(0)
	frames := conn.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, newSubscribeMessage("prices"), frames[0])
	assert.Equal(t, "hello", frames[1].Type)

	// The queue flushes exactly once; nothing is retransmitted.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, conn.writeCount())
	assert.Equal(t, 0, client.queue.len())
}

func TestConnectIsNoOpWhileOpen(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))

	assert.Equal(t, 1, network.attempts())
	assert.True(t, client.Connected())
}

func TestMultipleHandlersAreIndependent(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handlerA, chA := chanHandler()
	handlerB, chB := chanHandler()
	unsubA := client.Subscribe("prices", handlerA)
	client.Subscribe("prices", handlerB)

	conn := network.conn(0)
	conn.push(`{"type":"prices","timestamp":1,"data":{"bid":100}}`)

	recvEnvelope(t, chA)
	recvEnvelope(t, chB)

	unsubA()

	conn.push(`{"type":"prices","timestamp":2,"data":{"bid":101}}`)

	env := recvEnvelope(t, chB)
	assert.EqualValues(t, 2, env.Timestamp)
	assertNoEnvelope(t, chA)
}

func TestLastUnsubscribeSendsUnsubscribeFrame(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handler, _ := chanHandler()
	unsub := client.Subscribe("volatility_update", handler)
	unsub()
	client.Subscribe("volatility_update", handler)

	conn := network.conn(0)
	frames := conn.sentFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, newSubscribeMessage("volatility_update"), frames[0])
	assert.Equal(t, newUnsubscribeMessage("volatility_update"), frames[1])
	assert.Equal(t, newSubscribeMessage("volatility_update"), frames[2])
}

func TestUnsubscribeTwiceIsNoOp(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handlerA, _ := chanHandler()
	handlerB, chB := chanHandler()
	unsubA := client.Subscribe("prices", handlerA)
	client.Subscribe("prices", handlerB)

	unsubA()
	require.NotPanics(t, unsubA)

	// handlerB still receives; no unsubscribe frame was sent for the topic.
	conn := network.conn(0)
	conn.push(`{"type":"prices","timestamp":3,"data":{}}`)
	recvEnvelope(t, chB)

	for _, frame := range conn.sentFrames() {
		assert.NotEqual(t, frameUnsubscribe, frame.Type)
	}
}

func TestSecondHandlerDoesNotResendSubscribe(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handler, _ := chanHandler()
	client.Subscribe("prices", handler)
	client.Subscribe("prices", handler)

	assert.Equal(t, 1, network.conn(0).writeCount())
}

func TestVolatilityUpdateScenario(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handler, ch := chanHandler()
	client.Subscribe("volatility_update", handler)

	network.conn(0).push(
		`{"type":"volatility_update","timestamp":1700000000000,"data":{"volatility":0.65,"threshold":0.5}}`,
	)

	env := recvEnvelope(t, ch)
	assert.Equal(t, "volatility_update", env.Type)
	assert.EqualValues(t, 1700000000000, env.Timestamp)
	assert.JSONEq(t, `{"volatility":0.65,"threshold":0.5}`, string(env.Data))
	assertNoEnvelope(t, ch)
}

func TestMalformedFrameDoesNotStopDispatch(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handler, ch := chanHandler()
	client.Subscribe("prices", handler)

	conn := network.conn(0)
	conn.push(`{{{not json`)
	conn.push(`{"timestamp":1,"data":{}}`) // no type
	conn.push(`{"type":"prices","timestamp":4,"data":{"bid":99}}`)

	env := recvEnvelope(t, ch)
	assert.EqualValues(t, 4, env.Timestamp)
}

func TestUnknownTopicFramesAreDropped(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handler, ch := chanHandler()
	client.Subscribe("prices", handler)

	conn := network.conn(0)
	conn.push(`{"type":"greeks","timestamp":1,"data":{}}`)
	conn.push(`{"type":"prices","timestamp":2,"data":{}}`)

	env := recvEnvelope(t, ch)
	assert.EqualValues(t, 2, env.Timestamp)
	assertNoEnvelope(t, ch)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	client.Subscribe("prices", func(Envelope) {
		panic("boom")
	})
	handler, ch := chanHandler()
	client.Subscribe("prices", handler)

	conn := network.conn(0)
	conn.push(`{"type":"prices","timestamp":1,"data":{}}`)
	recvEnvelope(t, ch)

	// The loop survives: a second frame still comes through.
	conn.push(`{"type":"prices","timestamp":2,"data":{}}`)
	env := recvEnvelope(t, ch)
	assert.EqualValues(t, 2, env.Timestamp)
}

func TestHandlerCanUnsubscribeItself(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	var unsub func()
	seen := make(chan struct{}, 4)
	unsub = client.Subscribe("prices", func(Envelope) {
		seen <- struct{}{}
		unsub()
	})
	handler, ch := chanHandler()
	client.Subscribe("prices", handler)

	conn := network.conn(0)
	conn.push(`{"type":"prices","timestamp":1,"data":{}}`)
	<-seen
	recvEnvelope(t, ch)

	conn.push(`{"type":"prices","timestamp":2,"data":{}}`)
	recvEnvelope(t, ch)

	select {
	case <-seen:
		t.Fatal("handler invoked after unsubscribing itself")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIdentityCaptureAndReplayAfterReconnect(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handler, _ := chanHandler()
	client.Subscribe("prices", handler)
	client.Subscribe("volatility_update", handler)

	conn := network.conn(0)
	conn.push(`{"type":"connection","client_id":"abc123"}`)

	require.Eventually(t, func() bool {
		return client.ClientID() == "abc123"
	}, 2*time.Second, 5*time.Millisecond)

	// Drop the connection; the policy dials a new one.
	conn.fail()

	require.Eventually(t, func() bool {
		return network.attempts() == 2
	}, 2*time.Second, 5*time.Millisecond)

	next := network.conn(1)

	// Replay keys off the new identity, not the socket open.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, next.writeCount())
	assert.Empty(t, client.ClientID())

	next.push(`{"type":"connection","client_id":"def456"}`)

	require.Eventually(t, func() bool {
		return next.writeCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	frames := next.sentFrames()
	assert.Equal(t, newSubscribeMessage("prices", "volatility_update"), frames[0])
	assert.Equal(t, "def456", client.ClientID())
}

func TestReplaySkipsTopicsWithoutHandlers(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	handler, _ := chanHandler()
	unsub := client.Subscribe("prices", handler)
	unsub()

	network.conn(0).fail()

	require.Eventually(t, func() bool {
		return network.attempts() == 2
	}, 2*time.Second, 5*time.Millisecond)

	next := network.last()
	next.push(`{"type":"connection","client_id":"xyz"}`)

	// Registry is empty: no replay frame at all.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, next.writeCount())
}

func TestDisconnectSuppressesReconnection(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)
	require.NoError(t, client.Connect(context.Background()))

	client.Disconnect()

	require.Eventually(t, func() bool {
		return client.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, network.attempts())
	assert.False(t, client.Connected())

	err := client.Send(map[string]any{"type": "late"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network,
		WithReconnectPolicy(FixedDelay(100*time.Millisecond)))
	require.NoError(t, client.Connect(context.Background()))

	network.conn(0).fail()

	require.Eventually(t, client.retry.isPending, 2*time.Second, 5*time.Millisecond)

	client.Disconnect()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, network.attempts())
}

func TestDisconnectFromListenerSuppressesReconnect(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)

	// A status indicator reacting to the drop by shutting the client down
	// must still win over the reconnection policy.
	client.On(EventDisconnect, func(EventType) { client.Disconnect() })

	require.NoError(t, client.Connect(context.Background()))

	network.conn(0).fail()

	require.Eventually(t, func() bool {
		return client.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, network.attempts())
	assert.False(t, client.retry.isPending())
}

func TestFlushFailureRequeuesFrames(t *testing.T) {
	network := newFakeNetwork()
	network.setWriteErr(ErrConnectionClosed)
	client := newTestClient(t, network)

	require.NoError(t, client.Send(map[string]any{"type": "first"}))
	require.NoError(t, client.Send(map[string]any{"type": "second"}))

	require.NoError(t, client.Connect(context.Background()))

	// Nothing hit the wire, and nothing was lost.
	assert.Equal(t, 0, network.conn(0).writeCount())
	assert.Equal(t, 2, client.queue.len())

	// Both frames survive to the next connection, still in order.
	network.setWriteErr(nil)
	network.conn(0).fail()

	require.Eventually(t, func() bool {
		return network.attempts() == 2 && network.last().writeCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	frames := network.last().sentFrames()
	assert.Equal(t, "first", frames[0].Type)
	assert.Equal(t, "second", frames[1].Type)
	assert.Equal(t, 0, client.queue.len())
}

func TestDialFailureSchedulesRetry(t *testing.T) {
	network := newFakeNetwork(ErrCannotConnect)
	client := newTestClient(t, network)

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrCannotConnect)

	require.Eventually(t, func() bool {
		return network.attempts() == 2 && client.Connected()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMaxAttemptsCapsRetries(t *testing.T) {
	network := newFakeNetwork(ErrCannotConnect, ErrCannotConnect, ErrCannotConnect)
	cfg := Config{Endpoint: "ws://feed.test/ws", MaxAttempts: 2}
	client := New(cfg,
		withTransportFactory(network.factory()),
		WithReconnectPolicy(FixedDelay(time.Millisecond)),
	)

	require.Error(t, client.Connect(context.Background()))

	time.Sleep(100 * time.Millisecond)
	// Initial attempt plus two retries; the cap stops the third.
	assert.Equal(t, 3, network.attempts())
	assert.False(t, client.retry.isPending())
}

func TestAttemptsResetOnSuccessfulOpen(t *testing.T) {
	network := newFakeNetwork(ErrCannotConnect, nil, ErrCannotConnect, nil)
	cfg := Config{Endpoint: "ws://feed.test/ws", MaxAttempts: 2}
	client := New(cfg,
		withTransportFactory(network.factory()),
		WithReconnectPolicy(FixedDelay(time.Millisecond)),
	)

	require.Error(t, client.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return network.attempts() == 2 && client.Connected()
	}, 2*time.Second, 5*time.Millisecond)

	network.last().fail()

	// The cap counts consecutive failures only: the failed dial after the
	// drop leaves headroom because the successful open reset the counter.
	require.Eventually(t, func() bool {
		return network.attempts() == 4 && client.Connected()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectivityEvents(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)

	events := make(chan EventType, 16)
	client.On(EventConnect, func(e EventType) { events <- e })
	client.On(EventDisconnect, func(e EventType) { events <- e })
	client.On(EventReconnect, func(e EventType) { events <- e })

	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, EventConnect, <-events)

	network.conn(0).fail()

	require.Equal(t, EventDisconnect, <-events)
	require.Equal(t, EventReconnect, <-events)
	require.Equal(t, EventConnect, <-events)

	require.Eventually(t, func() bool {
		return network.attempts() == 2 && client.Connected()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendWhileDisconnectedQueues(t *testing.T) {
	network := newFakeNetwork()
	client := newTestClient(t, network)

	require.NoError(t, client.Send(map[string]any{"type": "early"}))
	assert.Equal(t, 1, client.queue.len())

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, 1, network.conn(0).writeCount())
	assert.Equal(t, 0, client.queue.len())
}
