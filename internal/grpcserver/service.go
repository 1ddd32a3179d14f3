package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

func unaryHandler(call func(RunsServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RunsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RunsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var runsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler(RunsServer.Submit, "Submit")},
		{MethodName: "Get", Handler: unaryHandler(RunsServer.Get, "Get")},
		{MethodName: "List", Handler: unaryHandler(RunsServer.List, "List")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dimatch/v1/runs",
}

// Client calls the runs service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit queues a run described by the HTTP request document.
func (c *Client) Submit(ctx context.Context, req map[string]any) (string, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return "", err
	}
	out, err := c.invoke(ctx, "Submit", in)
	if err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// Get fetches one run record with its result meta.
func (c *Client) Get(ctx context.Context, id string) (map[string]any, error) {
	out, err := c.invoke(ctx, "Get", &structpb.Struct{Fields: map[string]*structpb.Value{"id": structpb.NewStringValue(id)}})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// List fetches the newest runs.
func (c *Client) List(ctx context.Context, limit int) ([]any, error) {
	out, err := c.invoke(ctx, "List", &structpb.Struct{Fields: map[string]*structpb.Value{"limit": structpb.NewNumberValue(float64(limit))}})
	if err != nil {
		return nil, err
	}
	runs, _ := out.AsMap()["runs"].([]any)
	return runs, nil
}
