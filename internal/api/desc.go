// Package api is the daemon's control surface: a gRPC service whose
// requests, responses and events are google.protobuf.Struct messages.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Control"

// Unary method names.
const (
	MethodStatus             = "Status"
	MethodConnect            = "Connect"
	MethodDisconnect         = "Disconnect"
	MethodSend               = "Send"
	MethodRetry              = "Retry"
	MethodMarkRead           = "MarkRead"
	MethodOpen               = "Open"
	MethodClose              = "Close"
	MethodMessages           = "Messages"
	MethodConversations      = "Conversations"
	MethodCreateConversation = "CreateConversation"
	MethodPresence           = "Presence"
	MethodSetPresence        = "SetPresence"
	MethodTyping             = "Typing"
	MethodLogout             = "Logout"
	MethodWatch              = "Watch"
)

// ControlServer is implemented by *Service.
type ControlServer interface {
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

type unary func(s *Service, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func method(name string, call unary) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Service).Watch(in, stream)
}

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		method(MethodStatus, (*Service).Status),
		method(MethodConnect, (*Service).Connect),
		method(MethodDisconnect, (*Service).Disconnect),
		method(MethodSend, (*Service).Send),
		method(MethodRetry, (*Service).Retry),
		method(MethodMarkRead, (*Service).MarkRead),
		method(MethodOpen, (*Service).Open),
		method(MethodClose, (*Service).CloseConversation),
		method(MethodMessages, (*Service).Messages),
		method(MethodConversations, (*Service).Conversations),
		method(MethodCreateConversation, (*Service).CreateConversation),
		method(MethodPresence, (*Service).Presence),
		method(MethodSetPresence, (*Service).SetPresence),
		method(MethodTyping, (*Service).Typing),
		method(MethodLogout, (*Service).Logout),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodWatch,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "chatsync/v1/control.proto",
}

// Register adds the control service to srv.
func Register(srv *grpc.Server, svc *Service) {
	srv.RegisterService(&ServiceDesc, svc)
}
