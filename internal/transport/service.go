package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// serviceName and the three RPCs below are hand-declared rather than
// generated from a .proto file: each request/response is a single opaque
// byte string (wrapperspb.BytesValue, already a valid proto.Message from
// google.golang.org/protobuf), with this runtime's own framing packed
// inside it by envelope.go. That keeps the transport's wire format exactly
// the "fixed header prepended to the user serializer's buffer" spec.md §6
// describes, without pulling a protoc toolchain into the build.
const serviceName = "corerpc.Transport"

// transportServer is the handler-side interface the hand-written
// ServiceDesc below dispatches to.
type transportServer interface {
	handleCall(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	handleBulkPush(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	handleBulkPull(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).handleCall(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Call"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).handleCall(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func bulkPushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).handleBulkPush(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/BulkPush"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).handleBulkPush(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func bulkPullHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).handleBulkPull(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/BulkPull"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).handleBulkPull(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
		{MethodName: "BulkPush", Handler: bulkPushHandler},
		{MethodName: "BulkPull", Handler: bulkPullHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/transport/service.go",
}
