// Package admin exposes operator controls over gRPC: toggling encryption,
// rotating the key, server announcements, and client management.
//
// The service uses protobuf well-known types for its messages, so no
// generated code is needed on either side.
package admin

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cory-johannsen/msgcore/internal/codec"
	"github.com/cory-johannsen/msgcore/internal/exchange"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "msgcore.admin.v1.Admin"

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// AdminServer is the server API for the admin service.
type AdminServer interface {
	SetEncryption(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	RotateKey(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Broadcast(context.Context, *wrapperspb.StringValue) (*wrapperspb.UInt32Value, error)
	ListClients(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Kick(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// Controller performs the registry-wide operations.
type Controller interface {
	SetEncryption(enabled bool) error
	RotateKey() (codec.Params, error)
	Announce(text string) exchange.BroadcastResult
}

// Roster lists and removes clients.
type Roster interface {
	Clients() []string
	RemoveClient(ctx context.Context, id string) bool
}

// Service implements AdminServer.
type Service struct {
	ctrl   Controller
	roster Roster
	logger *zap.Logger
}

// NewService creates the admin service.
//
// Precondition: ctrl, roster and logger must be non-nil.
func NewService(ctrl Controller, roster Roster, logger *zap.Logger) *Service {
	return &Service{ctrl: ctrl, roster: roster, logger: logger}
}

// SetEncryption turns registry encryption on or off.
func (s *Service) SetEncryption(_ context.Context, in *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	if err := s.ctrl.SetEncryption(in.GetValue()); err != nil {
		return nil, status.Errorf(codes.Internal, "setting encryption: %v", err)
	}
	s.logger.Info("admin: encryption set", zap.Bool("enabled", in.GetValue()))
	return &emptypb.Empty{}, nil
}

// RotateKey installs fresh key material and returns it Base64 encoded as
// {"key", "iv", "fingerprint"}.
func (s *Service) RotateKey(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	p, err := s.ctrl.RotateKey()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rotating key: %v", err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"key":         p.EncodedKey(),
		"iv":          p.EncodedIV(),
		"fingerprint": p.Fingerprint(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding key: %v", err)
	}
	s.logger.Info("admin: key rotated", zap.String("key_fingerprint", p.Fingerprint()))
	return out, nil
}

// Broadcast announces text to every client and returns the delivered count.
func (s *Service) Broadcast(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.UInt32Value, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "broadcast text must not be empty")
	}
	res := s.ctrl.Announce(in.GetValue())
	s.logger.Info("admin: broadcast",
		zap.Int("attempted", res.Attempted),
		zap.Int("delivered", res.Delivered),
	)
	return wrapperspb.UInt32(uint32(res.Delivered)), nil
}

// ListClients returns the registered client ids.
func (s *Service) ListClients(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	ids := s.roster.Clients()
	values := make([]*structpb.Value, len(ids))
	for i, id := range ids {
		values[i] = structpb.NewStringValue(id)
	}
	return &structpb.ListValue{Values: values}, nil
}

// Kick disconnects one client.
func (s *Service) Kick(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id := in.GetValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "client id must not be empty")
	}
	if !s.roster.RemoveClient(ctx, id) {
		return nil, status.Errorf(codes.NotFound, "client %q not found", id)
	}
	s.logger.Info("admin: client kicked", zap.String("client_id", id))
	return &emptypb.Empty{}, nil
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the admin service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SetEncryption", func(s AdminServer, ctx context.Context, in *wrapperspb.BoolValue) (any, error) {
			return s.SetEncryption(ctx, in)
		}),
		unary("RotateKey", func(s AdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.RotateKey(ctx, in)
		}),
		unary("Broadcast", func(s AdminServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.Broadcast(ctx, in)
		}),
		unary("ListClients", func(s AdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.ListClients(ctx, in)
		}),
		unary("Kick", func(s AdminServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.Kick(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{},
}

// unary builds the method handler grpc-go expects, honouring interceptors.
func unary[Req any](method string, call func(AdminServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
