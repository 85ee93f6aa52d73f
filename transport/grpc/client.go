package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/machineapi/machine-client-go/endpoint"
	"github.com/machineapi/machine-client-go/pool"
	"github.com/machineapi/machine-client-go/stream"
)

// Client issues calls from a method registry over one gRPC client
// connection. It implements pool.Invoker, so a Router can own one Client per
// endpoint address.
type Client struct {
	conn    *grpc.ClientConn
	methods Registry
}

// NewClient wraps an established connection. The caller keeps ownership of
// the registry; it must not be mutated afterwards.
func NewClient(conn *grpc.ClientConn, methods Registry) *Client {
	return &Client{conn: conn, methods: methods}
}

// Unary returns the invocation endpoint for a unary method. Lookup errors
// surface at call time so selection middleware stays in the path.
func (c *Client) Unary(method string) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		m, ok := c.methods[method]
		if !ok {
			return nil, fmt.Errorf("unknown method %q", method)
		}
		if m.ServerStreams {
			return nil, fmt.Errorf("method %q is server-streaming", method)
		}
		reply := m.NewReply()
		if err := c.conn.Invoke(ctx, m.Name, request, reply); err != nil {
			return nil, err
		}
		return reply, nil
	}
}

// Stream returns the establishment endpoint for a server-streaming method.
// The request is sent and the send side closed before the receiver is handed
// back.
func (c *Client) Stream(method string) pool.StreamEndpoint {
	return func(ctx context.Context, request interface{}) (stream.Receiver, error) {
		m, ok := c.methods[method]
		if !ok {
			return nil, fmt.Errorf("unknown method %q", method)
		}
		if !m.ServerStreams {
			return nil, fmt.Errorf("method %q is not server-streaming", method)
		}
		desc := &grpc.StreamDesc{StreamName: m.streamName(), ServerStreams: true}
		ctx, cancel := context.WithCancel(ctx)
		cs, err := c.conn.NewStream(ctx, desc, m.Name)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := cs.SendMsg(request); err != nil {
			cancel()
			return nil, err
		}
		if err := cs.CloseSend(); err != nil {
			cancel()
			return nil, err
		}
		return &receiver{cs: cs, method: m, cancel: cancel}, nil
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// receiver adapts a gRPC client stream to stream.Receiver. io.EOF from
// RecvMsg passes through as the end-of-stream marker.
type receiver struct {
	cs     grpc.ClientStream
	method Method
	cancel context.CancelFunc
}

func (r *receiver) Recv() ([]byte, error) {
	msg := r.method.NewReply()
	if err := r.cs.RecvMsg(msg); err != nil {
		r.cancel()
		return nil, err
	}
	return r.method.Chunk(msg)
}

func (r *receiver) Close() error {
	r.cancel()
	return nil
}

// NewFactory returns a pool.Factory dialing one connection per endpoint
// address with the given options. Dialing is non-blocking; connection
// failures surface on the first call as transient errors.
func NewFactory(methods Registry, options ...grpc.DialOption) pool.Factory {
	return func(addr string) (pool.Invoker, error) {
		conn, err := grpc.Dial(addr, options...)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return NewClient(conn, methods), nil
	}
}
