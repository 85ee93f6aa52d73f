package stream_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/machineapi/machine-client-go/stream"
)

// scripted replays a fixed sequence of chunks, then a terminal error.
type scripted struct {
	chunks   [][]byte
	terminal error // io.EOF for a clean end
	pos      int
	closed   int
}

func (s *scripted) Recv() ([]byte, error) {
	if s.pos >= len(s.chunks) {
		return nil, s.terminal
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scripted) Close() error {
	s.closed++
	return nil
}

func chunks(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func TestCollect(t *testing.T) {
	r := &scripted{chunks: chunks("a", "b", "c"), terminal: io.EOF}
	b, err := stream.Collect(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "abc", string(b); want != have {
		t.Errorf("want %q, have %q", want, have)
	}
	if want, have := 1, r.closed; want != have {
		t.Errorf("want %d close, have %d", want, have)
	}
}

func TestCollectDiscardsPartialOnError(t *testing.T) {
	terminal := errors.New("transport failure")
	r := &scripted{chunks: chunks("a", "b"), terminal: terminal}
	b, err := stream.Collect(context.Background(), r)
	if err != terminal {
		t.Fatalf("want %v, have %v", terminal, err)
	}
	if b != nil {
		t.Errorf("partial artifact returned alongside error: %q", b)
	}
	if want, have := 1, r.closed; want != have {
		t.Errorf("want %d close, have %d", want, have)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &scripted{chunks: chunks("a"), terminal: io.EOF}
	if _, err := stream.Collect(ctx, r); err != context.Canceled {
		t.Fatalf("want %v, have %v", context.Canceled, err)
	}
	if want, have := 1, r.closed; want != have {
		t.Errorf("want %d close, have %d", want, have)
	}
}

func TestCollectLines(t *testing.T) {
	r := &scripted{chunks: chunks("machined: start", "ed\nkubelet: healthy\n"), terminal: io.EOF}
	lines, err := stream.CollectLines(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"machined: started", "kubelet: healthy"}
	if len(lines) != len(want) {
		t.Fatalf("want %d lines, have %d: %v", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: want %q, have %q", i, want[i], lines[i])
		}
	}
}

func TestCollectFuncStopsOnCallbackError(t *testing.T) {
	r := &scripted{chunks: chunks("a", "b", "c"), terminal: io.EOF}
	stop := errors.New("enough")
	var seen int
	err := stream.CollectFunc(context.Background(), r, func([]byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if err != stop {
		t.Fatalf("want %v, have %v", stop, err)
	}
	if want, have := 2, seen; want != have {
		t.Errorf("want %d chunks seen, have %d", want, have)
	}
}

func TestForwardOrder(t *testing.T) {
	r := &scripted{chunks: chunks("1", "2", "3"), terminal: io.EOF}
	c := stream.Forward(context.Background(), r)
	defer c.Close()

	var got []string
	for c.Next() {
		got = append(got, string(c.Chunk()))
	}
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("want %d chunks, have %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d: want %q, have %q", i, want[i], got[i])
		}
	}
	if want, have := 1, r.closed; want != have {
		t.Errorf("want %d close, have %d", want, have)
	}
}

func TestForwardTerminalError(t *testing.T) {
	terminal := errors.New("transport failure")
	r := &scripted{chunks: chunks("a"), terminal: terminal}
	c := stream.Forward(context.Background(), r)

	if !c.Next() {
		t.Fatal("want one chunk before the failure")
	}
	if c.Next() {
		t.Fatal("cursor advanced past the terminal error")
	}
	if want, have := terminal, c.Err(); want != have {
		t.Errorf("want %v, have %v", want, have)
	}
}

func TestForwardCloseStopsPulling(t *testing.T) {
	r := &scripted{chunks: chunks("a", "b", "c"), terminal: io.EOF}
	c := stream.Forward(context.Background(), r)

	if !c.Next() {
		t.Fatal("want first chunk")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.Next() {
		t.Error("closed cursor yielded a chunk")
	}
	if want, have := 1, r.pos; want != have {
		t.Errorf("chunks pulled after Close: want %d, have %d", want, have)
	}
	if want, have := 1, r.closed; want != have {
		t.Errorf("want %d close, have %d", want, have)
	}
}

func TestForwardContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &scripted{chunks: chunks("a", "b"), terminal: io.EOF}
	c := stream.Forward(ctx, r)

	if !c.Next() {
		t.Fatal("want first chunk")
	}
	cancel()
	if c.Next() {
		t.Error("cancelled cursor yielded a chunk")
	}
	if want, have := context.Canceled, c.Err(); want != have {
		t.Errorf("want %v, have %v", want, have)
	}
	if want, have := 1, r.closed; want != have {
		t.Errorf("want %d close, have %d", want, have)
	}
}
