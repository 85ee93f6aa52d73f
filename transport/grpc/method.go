package grpc

import (
	"fmt"
	"strings"
)

// Method describes one remote method so the client can issue it without
// generated stubs. Name is the full gRPC method path, e.g.
// "/machine.v1.MachineService/GetNode". NewReply allocates the reply message
// for unary calls and the per-message buffer for streams. Chunk extracts the
// payload bytes from one stream message; it is required when ServerStreams
// is set.
type Method struct {
	Name          string
	NewReply      func() interface{}
	ServerStreams bool
	Chunk         func(reply interface{}) ([]byte, error)
}

func (m Method) streamName() string {
	if i := strings.LastIndex(m.Name, "/"); i >= 0 {
		return m.Name[i+1:]
	}
	return m.Name
}

func (m Method) validate() error {
	if m.Name == "" {
		return fmt.Errorf("method has no name")
	}
	if m.NewReply == nil {
		return fmt.Errorf("method %s: NewReply is required", m.Name)
	}
	if m.ServerStreams && m.Chunk == nil {
		return fmt.Errorf("method %s: Chunk is required for server streams", m.Name)
	}
	return nil
}

// Registry maps the short names used at call sites to method descriptors.
type Registry map[string]Method

// NewRegistry validates and collects methods, keyed by the final path
// segment of each method name.
func NewRegistry(methods ...Method) (Registry, error) {
	reg := make(Registry, len(methods))
	for _, m := range methods {
		if err := m.validate(); err != nil {
			return nil, err
		}
		key := m.streamName()
		if _, ok := reg[key]; ok {
			return nil, fmt.Errorf("duplicate method %s", key)
		}
		reg[key] = m
	}
	return reg, nil
}
