// Package stream reassembles chunked server-streaming responses into logical
// artifacts, or forwards them lazily.
//
// The transport hands chunks to the assembler through the Receiver interface;
// chunk order as received is preserved exactly, and a transport error before
// the terminal signal always surfaces as the terminal outcome rather than a
// silently truncated artifact.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

// Receiver is one server-stream as supplied by a transport. Recv returns the
// next chunk, io.EOF on a clean end of stream, or the transport error that
// terminated it. Close releases the underlying stream; it must be safe to
// call after Recv has returned an error.
type Receiver interface {
	Recv() ([]byte, error)
	Close() error
}

// Collect drains the receiver and concatenates every chunk, in arrival
// order, into one byte artifact. The artifact is returned only after a clean
// end of stream; any earlier error, including ctx cancellation, discards the
// partial artifact. The receiver is always closed.
func Collect(ctx context.Context, r Receiver) ([]byte, error) {
	var buf bytes.Buffer
	if err := CollectFunc(ctx, r, func(chunk []byte) error {
		buf.Write(chunk)
		return nil
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CollectLines drains the receiver like Collect and splits the assembled
// artifact into lines, as fits textual log payloads.
func CollectLines(ctx context.Context, r Receiver) ([]string, error) {
	b, err := Collect(ctx, r)
	if err != nil {
		return nil, err
	}
	var lines []string
	s := bufio.NewScanner(bytes.NewReader(b))
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// CollectFunc drains the receiver, invoking fn once per chunk in arrival
// order. It returns nil only on a clean end of stream. An fn error stops
// consumption and is returned as the terminal outcome.
func CollectFunc(ctx context.Context, r Receiver, fn func(chunk []byte) error) error {
	defer r.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := r.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

// Forward exposes the receiver as a lazy, single-pass chunk sequence. Chunks
// must be consumed from a single goroutine.
func Forward(ctx context.Context, r Receiver) *Chunks {
	return &Chunks{ctx: ctx, r: r}
}

// Chunks is a cursor over a live stream, in the manner of bufio.Scanner:
//
//	chunks := stream.Forward(ctx, r)
//	defer chunks.Close()
//	for chunks.Next() {
//	    use(chunks.Chunk())
//	}
//	if err := chunks.Err(); err != nil { ... }
//
// Close, or cancellation of the forwarding context, promptly releases the
// underlying stream; no further chunks are pulled from the transport.
type Chunks struct {
	ctx    context.Context
	r      Receiver
	cur    []byte
	err    error
	closed bool
}

// Next pulls the next chunk, reporting whether one is available. It returns
// false at the terminal condition; consult Err to distinguish a clean end
// from a failure.
func (c *Chunks) Next() bool {
	if c.closed {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.terminate(err)
		return false
	}
	chunk, err := c.r.Recv()
	if err == io.EOF {
		c.terminate(nil)
		return false
	}
	if err != nil {
		c.terminate(err)
		return false
	}
	c.cur = chunk
	return true
}

// Chunk returns the chunk made available by the last successful Next.
func (c *Chunks) Chunk() []byte { return c.cur }

// Err returns the terminal error, or nil after a clean end of stream or
// Close.
func (c *Chunks) Err() error { return c.err }

// Close releases the underlying stream early. It is a no-op after the
// cursor has already terminated.
func (c *Chunks) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.r.Close()
}

func (c *Chunks) terminate(err error) {
	c.err = err
	c.closed = true
	c.r.Close()
}
