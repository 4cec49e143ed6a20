package dispatch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/msgcore/internal/codec"
	"github.com/cory-johannsen/msgcore/internal/dispatch"
	"github.com/cory-johannsen/msgcore/internal/exchange"
	"github.com/cory-johannsen/msgcore/internal/message"
	"github.com/cory-johannsen/msgcore/internal/mocks"
	"github.com/cory-johannsen/msgcore/internal/observability"
	"github.com/cory-johannsen/msgcore/internal/testutil"
)

const timeout = 2 * time.Second

type fixture struct {
	reg     *exchange.Registry
	metrics *observability.Metrics
}

func newFixture(t *testing.T, encrypted bool) *fixture {
	t.Helper()
	m := observability.NewMetrics()
	reg, err := exchange.NewRegistry(exchange.RegistryOptions{
		Logger:     zaptest.NewLogger(t),
		Metrics:    m,
		Encryption: exchange.EncryptionConfig{Enabled: encrypted},
		Connection: exchange.ConnectionOptions{WriteTimeout: timeout},
	})
	require.NoError(t, err)
	reg.Start()
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })
	return &fixture{reg: reg, metrics: m}
}

func (f *fixture) connect(t *testing.T) (string, *testutil.LineClient) {
	t.Helper()
	server, client := testutil.TCPPair(t)
	id, err := f.reg.AddClient(server)
	require.NoError(t, err)
	return id, client
}

func (f *fixture) waitForQueue(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.reg.Len() >= n }, timeout, 5*time.Millisecond)
}

func (f *fixture) dispatcher(t *testing.T, h dispatch.Handler, opts dispatch.Options) *dispatch.Dispatcher {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	opts.Metrics = f.metrics
	return dispatch.New(f.reg, h, opts)
}

func decrypt(t *testing.T, line string) string {
	t.Helper()
	plain, err := codec.Decrypt(line, codec.DefaultParams())
	require.NoError(t, err, "line %q", line)
	return plain
}

func TestDispatcher_ChatRelayScenario(t *testing.T) {
	f := newFixture(t, true)
	a, clientA := f.connect(t)
	_, clientB := f.connect(t)

	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)
	h.EXPECT().HandleMessage(gomock.Any(), a, dispatch.KindChat, "hello").Times(1)

	d := f.dispatcher(t, h, dispatch.Options{EncryptReplies: true})

	clientA.Send("CHAT:hello")
	f.waitForQueue(t, 1)
	assert.Equal(t, 1, d.Tick(context.Background()))

	line := clientB.ReadLine(timeout)
	assert.Equal(t, "CHAT_RELAY:"+a+":hello", decrypt(t, line))

	_, err := clientA.TryReadLine(100 * time.Millisecond)
	assert.Error(t, err, "sender must not receive its own relay")
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.MessagesDispatched.WithLabelValues("chat")))
}

func TestDispatcher_EncryptedPingGetsEncryptedPong(t *testing.T) {
	f := newFixture(t, true)
	a, client := f.connect(t)

	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)
	h.EXPECT().HandleMessage(gomock.Any(), a, dispatch.KindPing, "").Times(1)

	d := f.dispatcher(t, h, dispatch.Options{EncryptReplies: true})

	ct, err := codec.Encrypt("PING", codec.DefaultParams())
	require.NoError(t, err)
	client.Send(ct)
	f.waitForQueue(t, 1)
	d.Tick(context.Background())

	assert.Equal(t, "PONG", decrypt(t, client.ReadLine(timeout)))
}

func TestDispatcher_PlainRepliesWhenNotRequested(t *testing.T) {
	f := newFixture(t, true)
	_, client := f.connect(t)
	d := f.dispatcher(t, nil, dispatch.Options{EncryptReplies: false})

	client.Send("PING")
	f.waitForQueue(t, 1)
	d.Tick(context.Background())

	assert.Equal(t, "PONG", client.ReadLine(timeout))
}

func TestDispatcher_GenericFallsThroughInOrder(t *testing.T) {
	f := newFixture(t, false)
	a, client := f.connect(t)

	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)
	gomock.InOrder(
		h.EXPECT().HandleMessage(gomock.Any(), a, dispatch.KindGeneric, "MOVE north"),
		h.EXPECT().HandleMessage(gomock.Any(), a, dispatch.KindChat, "hi"),
		h.EXPECT().HandleMessage(gomock.Any(), a, dispatch.KindGeneric, "LOOK"),
	)
	d := f.dispatcher(t, h, dispatch.Options{})

	client.SendRaw("MOVE north\nCHAT:hi\nLOOK\n")
	f.waitForQueue(t, 3)
	assert.Equal(t, 3, d.Tick(context.Background()))
	assert.Zero(t, d.Tick(context.Background()), "empty queue routes nothing")
}

func TestDispatcher_HandlerPanicDoesNotStopRouting(t *testing.T) {
	f := newFixture(t, false)
	var seen []string
	h := dispatch.HandlerFunc(func(_ context.Context, _ string, _ dispatch.Kind, payload string) {
		seen = append(seen, payload)
		if payload == "boom" {
			panic("handler failure")
		}
	})
	d := f.dispatcher(t, h, dispatch.Options{})

	f.reg.Enqueue(message.New("client-1", "boom"))
	f.reg.Enqueue(message.New("client-1", "after"))
	assert.Equal(t, 2, d.Tick(context.Background()))
	assert.Equal(t, []string{"boom", "after"}, seen)
}

func TestDispatcher_MaxBatch(t *testing.T) {
	f := newFixture(t, false)
	d := f.dispatcher(t, nil, dispatch.Options{MaxBatch: 2})
	for i := range 5 {
		f.reg.Enqueue(message.New("client-1", fmt.Sprint(i)))
	}

	assert.Equal(t, 2, d.Tick(context.Background()))
	assert.Equal(t, 3, f.reg.Len())
	assert.Equal(t, 3, d.DrainNow(context.Background()))
	assert.Zero(t, f.reg.Len())
}

func TestDispatcher_ImmediateMode(t *testing.T) {
	f := newFixture(t, false)
	got := make(chan string, 1)
	h := dispatch.HandlerFunc(func(_ context.Context, _ string, _ dispatch.Kind, payload string) {
		got <- payload
	})
	d := f.dispatcher(t, h, dispatch.Options{Mode: dispatch.ModeImmediate, TickInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	f.reg.Enqueue(message.New("client-1", "now"))
	select {
	case p := <-got:
		assert.Equal(t, "now", p)
	case <-time.After(timeout):
		t.Fatal("immediate mode did not drain")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_StopPerformsFinalDrain(t *testing.T) {
	f := newFixture(t, false)
	var mu sync.Mutex
	var seen []string
	h := dispatch.HandlerFunc(func(_ context.Context, _ string, _ dispatch.Kind, payload string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, payload)
	})
	d := f.dispatcher(t, h, dispatch.Options{TickInterval: time.Hour})

	started := make(chan error, 1)
	go func() { started <- d.Start() }()
	require.Eventually(t, d.Running, timeout, 5*time.Millisecond)
	assert.Error(t, d.Start(), "second Start is refused")

	f.reg.Enqueue(message.New("client-1", "late"))
	d.Stop()
	require.NoError(t, <-started)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"late"}, seen)
	d.Stop()
}

func TestDispatcher_StopBeforeStartDrainsAndPreventsRun(t *testing.T) {
	f := newFixture(t, false)
	var seen []string
	h := dispatch.HandlerFunc(func(_ context.Context, _ string, _ dispatch.Kind, payload string) {
		seen = append(seen, payload)
	})
	d := f.dispatcher(t, h, dispatch.Options{TickInterval: time.Hour})

	f.reg.Enqueue(message.New("client-1", "early"))
	d.Stop()
	assert.Equal(t, []string{"early"}, seen)
	assert.Zero(t, f.reg.Len())

	started := make(chan error, 1)
	go func() { started <- d.Start() }()
	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("Start ran after Stop")
	}
	assert.False(t, d.Running())
	d.Stop()
	assert.Len(t, seen, 1)
}

func TestDispatcher_Announce(t *testing.T) {
	f := newFixture(t, false)
	_, a := f.connect(t)
	_, b := f.connect(t)

	ctrl := gomock.NewController(t)
	h := mocks.NewMockHandler(ctrl)
	h.EXPECT().HandleMessage(gomock.Any(), message.ServerSender, dispatch.KindChat, "maintenance").Times(1)
	d := f.dispatcher(t, h, dispatch.Options{})

	res := d.Announce("CHAT:maintenance")
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, "CHAT:maintenance", a.ReadLine(timeout))
	assert.Equal(t, "CHAT:maintenance", b.ReadLine(timeout))

	assert.Equal(t, 1, d.Tick(context.Background()))
	_, err := a.TryReadLine(100 * time.Millisecond)
	assert.Error(t, err, "server messages are not relayed again")
}

func TestDispatcher_EncryptionAdmin(t *testing.T) {
	f := newFixture(t, false)
	d := f.dispatcher(t, nil, dispatch.Options{})

	enabled, err := d.ToggleEncryption()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, f.reg.Encryption().Enabled)

	require.NoError(t, d.SetEncryption(false))
	assert.False(t, f.reg.Encryption().Enabled)

	p, err := d.RotateKey()
	require.NoError(t, err)
	assert.True(t, p.Equal(f.reg.Encryption().Params))
}
