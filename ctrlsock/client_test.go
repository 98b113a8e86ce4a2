package ctrlsock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nsaas/nsaas-go/internal/ctrlstub"
)

func TestInitSucceedsAndIsIdempotent(t *testing.T) {
	stub := ctrlstub.Start(t)
	c := New(stub.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer c.Close()
	if c.AppUUID().IsZero() {
		t.Fatal("AppUUID is zero after successful Init")
	}

	uuid := c.AppUUID()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if c.AppUUID() != uuid {
		t.Fatal("second Init changed the application UUID")
	}
}

func TestInitFailsOnMsgIDMismatch(t *testing.T) {
	stub := ctrlstub.Start(t, ctrlstub.WithMismatchedMsgID())
	c := New(stub.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Init(ctx)
	if err == nil {
		t.Fatal("expected Init to fail on msg_id mismatch")
	}
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("Init error = %v, want wrapping ErrProtocolMismatch", err)
	}
	if !c.AppUUID().IsZero() {
		t.Fatal("AppUUID should remain zero after a failed Init")
	}
}

func TestInitFailsOnRejectedRegistration(t *testing.T) {
	const statusError = 1
	stub := ctrlstub.Start(t, ctrlstub.WithRegisterStatus(statusError))
	c := New(stub.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Init(ctx); !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("Init error = %v, want wrapping ErrRequestFailed", err)
	}
}

func TestAttachMapsChannel(t *testing.T) {
	stub := ctrlstub.Start(t, ctrlstub.WithChannelDims(256, 32, 16))
	c := New(stub.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer c.Close()

	ch, err := c.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer ch.Close()

	if got := ch.BufMSS(); got != 256 {
		t.Fatalf("BufMSS = %d, want 256", got)
	}
}

func TestAttachFailsWithoutFD(t *testing.T) {
	stub := ctrlstub.Start(t, ctrlstub.WithNoFD())
	c := New(stub.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer c.Close()

	if _, err := c.Attach(ctx); !errors.Is(err, ErrNoFD) {
		t.Fatalf("Attach error = %v, want wrapping ErrNoFD", err)
	}
}
