package admin

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the admin service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to addr. The caller closes the returned conn.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to admin service at %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

// SetEncryption turns registry encryption on or off.
func (c *Client) SetEncryption(ctx context.Context, enabled bool) error {
	return c.cc.Invoke(ctx, fullMethod("SetEncryption"), wrapperspb.Bool(enabled), new(emptypb.Empty))
}

// RotateKey returns the new Base64 key and IV.
func (c *Client) RotateKey(ctx context.Context) (key, iv string, err error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("RotateKey"), new(emptypb.Empty), out); err != nil {
		return "", "", err
	}
	fields := out.GetFields()
	return fields["key"].GetStringValue(), fields["iv"].GetStringValue(), nil
}

// Broadcast announces text and returns how many clients received it.
func (c *Client) Broadcast(ctx context.Context, text string) (uint32, error) {
	out := new(wrapperspb.UInt32Value)
	if err := c.cc.Invoke(ctx, fullMethod("Broadcast"), wrapperspb.String(text), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// ListClients returns the registered client ids.
func (c *Client) ListClients(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("ListClients"), new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		ids = append(ids, v.GetStringValue())
	}
	return ids, nil
}

// Kick disconnects a client.
func (c *Client) Kick(ctx context.Context, id string) error {
	return c.cc.Invoke(ctx, fullMethod("Kick"), wrapperspb.String(id), new(emptypb.Empty))
}
