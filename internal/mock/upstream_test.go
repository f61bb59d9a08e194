package mock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/credstore"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/upstream"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func next(t *testing.T, c upstream.Conn) upstream.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mock event")
	}
	return upstream.Event{}
}

func TestMock_RotatesPairingPayloads(t *testing.T) {
	u := New(Options{QRInterval: 10 * time.Millisecond, Logger: quietLogger()})
	c, err := u.Connect(context.Background(), credstore.NewCredentials(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	first := next(t, c)
	second := next(t, c)
	if first.Kind != upstream.EventPairing || second.Kind != upstream.EventPairing {
		t.Fatalf("events = %v, %v; want two pairing events", first.Kind, second.Kind)
	}
	if first.Payload == second.Payload {
		t.Error("payload did not rotate")
	}
	if !strings.HasPrefix(first.Payload, "2@") || strings.Count(first.Payload, ",") != 3 {
		t.Errorf("payload shape = %q", first.Payload)
	}
}

func TestMock_PairingTimesOut(t *testing.T) {
	u := New(Options{QRInterval: 5 * time.Millisecond, MaxQRs: 2, Logger: quietLogger()})
	c, _ := u.Connect(context.Background(), credstore.NewCredentials(time.Now()))
	defer c.Close()

	for {
		ev := next(t, c)
		if ev.Kind == upstream.EventClose {
			if ev.Reason.Code != upstream.CodeTimedOut {
				t.Errorf("close code = %d, want %d", ev.Reason.Code, upstream.CodeTimedOut)
			}
			return
		}
	}
}

func TestMock_AutoLinkEmitsCredentialsThenOpen(t *testing.T) {
	u := New(Options{QRInterval: time.Hour, LinkAfter: 10 * time.Millisecond, Logger: quietLogger()})
	c, _ := u.Connect(context.Background(), credstore.NewCredentials(time.Now()))
	defer c.Close()

	if ev := next(t, c); ev.Kind != upstream.EventPairing {
		t.Fatalf("first event = %v", ev.Kind)
	}
	ev := next(t, c)
	if ev.Kind != upstream.EventCredentials || !ev.Credentials.Paired() {
		t.Fatalf("expected paired credentials, got %+v", ev)
	}
	ev = next(t, c)
	if ev.Kind != upstream.EventOpen || ev.Identity.ID == "" {
		t.Fatalf("expected open, got %+v", ev)
	}
}

func TestMock_PairedCredentialsOpenImmediately(t *testing.T) {
	u := New(Options{Logger: quietLogger()})
	creds := credstore.NewCredentials(time.Now())
	creds.Blob = []byte(`{"me":"x"}`)

	c, _ := u.Connect(context.Background(), creds)
	defer c.Close()
	if ev := next(t, c); ev.Kind != upstream.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Kind)
	}
}

func TestMock_ManualLinkRevokeAndDrop(t *testing.T) {
	u := New(Options{QRInterval: time.Hour, Logger: quietLogger()})
	c, _ := u.Connect(context.Background(), credstore.NewCredentials(time.Now()))
	defer c.Close()
	next(t, c)

	if !u.Link() {
		t.Fatal("Link returned false")
	}
	next(t, c) // credentials
	if ev := next(t, c); ev.Kind != upstream.EventOpen {
		t.Fatalf("event = %v, want open", ev.Kind)
	}

	u.Revoke()
	if ev := next(t, c); ev.Kind != upstream.EventClose || ev.Reason.Code != upstream.CodeLoggedOut {
		t.Fatalf("event = %+v, want logged out close", ev)
	}

	creds := credstore.NewCredentials(time.Now())
	creds.Blob = []byte(`{}`)
	c2, _ := u.Connect(context.Background(), creds)
	defer c2.Close()
	next(t, c2)
	u.Drop()
	if ev := next(t, c2); ev.Reason.Code != upstream.CodeConnectionClosed {
		t.Fatalf("drop code = %d", ev.Reason.Code)
	}
	if u.Dials() != 2 {
		t.Errorf("Dials = %d, want 2", u.Dials())
	}
}

func TestMock_DropAfter(t *testing.T) {
	u := New(Options{DropAfter: 10 * time.Millisecond, Logger: quietLogger()})
	creds := credstore.NewCredentials(time.Now())
	creds.Blob = []byte(`{"me":"x"}`)
	c, _ := u.Connect(context.Background(), creds)
	defer c.Close()

	next(t, c)
	if ev := next(t, c); ev.Kind != upstream.EventClose || ev.Reason.Code != upstream.CodeConnectionClosed {
		t.Fatalf("event = %+v", ev)
	}
}

func TestMock_Send(t *testing.T) {
	u := New(Options{Logger: quietLogger()})
	c, _ := u.Connect(context.Background(), credstore.NewCredentials(time.Now()))
	defer c.Close()

	id, err := c.Send(context.Background(), "6281111@s.whatsapp.net", "hi")
	if err != nil || !strings.HasPrefix(id, "3EB0") {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if _, err := c.Send(context.Background(), "not-an-address", "hi"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("err = %v, want ErrInvalidTarget", err)
	}

	c.Close()
	if _, err := c.Send(context.Background(), "6281111@s.whatsapp.net", "hi"); !errors.Is(err, upstream.ErrClosed) {
		t.Errorf("err after close = %v", err)
	}
}

func TestMock_CloseEndsEvents(t *testing.T) {
	u := New(Options{QRInterval: time.Hour, Logger: quietLogger()})
	c, _ := u.Connect(context.Background(), credstore.NewCredentials(time.Now()))
	next(t, c)
	c.Close()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("unexpected event after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestMock_SendConcurrentWithRotation(t *testing.T) {
	u := New(Options{QRInterval: time.Millisecond, MaxQRs: 100000, Logger: quietLogger()})
	c, err := u.Connect(context.Background(), credstore.NewCredentials(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	go func() {
		for range c.Events() {
		}
	}()

	var wg sync.WaitGroup
	ids := make(chan string, 200)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id, err := c.Send(context.Background(), "6281111@s.whatsapp.net", "hi")
				if err != nil {
					t.Errorf("Send: %v", err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if len(id) != len("3EB0")+16 {
			t.Errorf("id %q has unexpected length", id)
		}
		seen[id] = true
	}
	if len(seen) != 200 {
		t.Errorf("got %d distinct ids, want 200", len(seen))
	}
}
