package transport

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestMemoryPairOpenAccept(t *testing.T) {
	t.Parallel()
	a, b := NewMemoryPair()
	ctx := context.Background()

	local, err := a.OpenStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	remote, err := b.AcceptStream(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := local.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := remote.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("read %q, want %q", buf[:n], "hello")
	}
}

func TestMemoryStreamBidirectional(t *testing.T) {
	t.Parallel()
	a, b := NewMemoryPair()
	ctx := context.Background()

	local, _ := a.OpenStream(ctx)
	remote, _ := b.AcceptStream(ctx)

	remote.Write([]byte("pong"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(local, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "pong" {
		t.Errorf("read %q, want %q", buf, "pong")
	}
}

func TestMemoryStreamCloseDeliversEOF(t *testing.T) {
	t.Parallel()
	a, b := NewMemoryPair()
	ctx := context.Background()

	local, _ := a.OpenStream(ctx)
	remote, _ := b.AcceptStream(ctx)

	local.Write([]byte("tail"))
	local.Close()

	// Buffered data drains first, then EOF.
	data, err := io.ReadAll(remote)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "tail" {
		t.Errorf("read %q, want %q", data, "tail")
	}
}

func TestMemoryWritesNeverBlock(t *testing.T) {
	t.Parallel()
	a, b := NewMemoryPair()
	ctx := context.Background()

	local, _ := a.OpenStream(ctx)
	b.AcceptStream(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		big := make([]byte, 1<<20)
		for i := 0; i < 8; i++ {
			local.Write(big)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writes blocked without a reader")
	}
}

func TestMemoryAcceptRespectsContext(t *testing.T) {
	t.Parallel()
	a, _ := NewMemoryPair()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := a.AcceptStream(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestMemoryCloseRejectsOpen(t *testing.T) {
	t.Parallel()
	a, _ := NewMemoryPair()
	a.Close()
	if _, err := a.OpenStream(context.Background()); err != ErrConnClosed {
		t.Fatalf("err = %v, want ErrConnClosed", err)
	}
}

func TestMemoryOpenRacesPeerClose(t *testing.T) {
	t.Parallel()
	a, b := NewMemoryPair()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			a.OpenStream(context.Background())
		}
	}()
	b.Close()
	<-done

	if _, err := a.OpenStream(context.Background()); err != ErrConnClosed {
		t.Fatalf("open after peer close: err = %v, want ErrConnClosed", err)
	}
}
