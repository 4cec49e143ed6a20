package admin

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cory-johannsen/msgcore/internal/codec"
	"github.com/cory-johannsen/msgcore/internal/dispatch"
	"github.com/cory-johannsen/msgcore/internal/exchange"
	"github.com/cory-johannsen/msgcore/internal/testutil"
)

type harness struct {
	client *Client
	reg    *exchange.Registry
}

// newHarness starts the admin service in-process over bufconn.
func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg, err := exchange.NewRegistry(exchange.RegistryOptions{
		Logger:     logger,
		Connection: exchange.ConnectionOptions{WriteTimeout: 2 * time.Second},
	})
	require.NoError(t, err)
	reg.Start()
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })

	disp := dispatch.New(reg, nil, dispatch.Options{Logger: logger, EncryptReplies: true})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterAdminServer(srv, NewService(disp, reg, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{client: NewClient(conn), reg: reg}
}

func (h *harness) connect(t *testing.T) (string, *testutil.LineClient) {
	t.Helper()
	server, client := testutil.TCPPair(t)
	id, err := h.reg.AddClient(server)
	require.NoError(t, err)
	return id, client
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAdmin_SetEncryption(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	require.NoError(t, h.client.SetEncryption(ctx, true))
	assert.True(t, h.reg.Encryption().Enabled)

	require.NoError(t, h.client.SetEncryption(ctx, false))
	assert.False(t, h.reg.Encryption().Enabled)
}

func TestAdmin_RotateKey(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	require.NoError(t, h.client.SetEncryption(ctx, true))
	id, client := h.connect(t)

	key, iv, err := h.client.RotateKey(ctx)
	require.NoError(t, err)
	p, err := codec.ParseParams(key, iv)
	require.NoError(t, err)
	assert.True(t, p.Equal(h.reg.Encryption().Params))

	require.NoError(t, h.reg.SendToClient(id, "after rotation", true))
	plain, err := codec.Decrypt(client.ReadLine(2*time.Second), p)
	require.NoError(t, err)
	assert.Equal(t, "after rotation", plain)
}

func TestAdmin_BroadcastAndList(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	a, clientA := h.connect(t)
	b, clientB := h.connect(t)

	ids, err := h.client.ListClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, ids)

	n, err := h.client.Broadcast(ctx, "server restarting")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)
	assert.Equal(t, "server restarting", clientA.ReadLine(2*time.Second))
	assert.Equal(t, "server restarting", clientB.ReadLine(2*time.Second))

	_, err = h.client.Broadcast(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdmin_Kick(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id, client := h.connect(t)

	require.NoError(t, h.client.Kick(ctx, id))
	assert.Empty(t, h.reg.Clients())
	_, err := client.TryReadLine(2 * time.Second)
	assert.Error(t, err)

	err = h.client.Kick(ctx, id)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = h.client.Kick(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdmin_ListClientsEmpty(t *testing.T) {
	h := newHarness(t)
	ids, err := h.client.ListClients(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
