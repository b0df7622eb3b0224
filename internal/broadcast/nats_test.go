package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // random free port
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func connectNATS(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestNATS_FansOutAcrossInstances(t *testing.T) {
	s := runNATSServer(t)
	ctx := context.Background()

	// Two registries on two connections stand in for two server instances.
	one, err := NewNATS(connectNATS(t, s), "chat.room")
	if err != nil {
		t.Fatalf("NewNATS one: %v", err)
	}
	defer one.Close()
	two, err := NewNATS(connectNATS(t, s), "chat.room")
	if err != nil {
		t.Fatalf("NewNATS two: %v", err)
	}
	defer two.Close()

	alice := &recHandle{id: "alice"}
	bob := &recHandle{id: "bob"}
	outsider := &recHandle{id: "outsider"}
	_ = one.Join(ctx, "R1", alice)
	_ = two.Join(ctx, "R1", bob)
	_ = two.Join(ctx, "R2", outsider)

	if err := one.Broadcast(ctx, "R1", Message{ID: "m1", RoomID: "R1", Sender: "alice", Body: "hello"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	waitFor(t, func() bool { return len(alice.received()) == 1 && len(bob.received()) == 1 })
	if got := bob.received()[0]; got.Body != "hello" || got.Sender != "alice" || got.ID != "m1" {
		t.Fatalf("bob received %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(outsider.received()); n != 0 {
		t.Fatalf("other room received %d messages", n)
	}
}

func TestNATS_PreservesPublisherOrder(t *testing.T) {
	s := runNATSServer(t)
	ctx := context.Background()
	reg, err := NewNATS(connectNATS(t, s), "chat.room")
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	defer reg.Close()

	h := &recHandle{id: "h"}
	_ = reg.Join(ctx, "R", h)
	for _, body := range []string{"1", "2", "3", "4", "5"} {
		if err := reg.Broadcast(ctx, "R", Message{Body: body}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	waitFor(t, func() bool { return len(h.received()) == 5 })
	for i, m := range h.received() {
		if want := string(rune('1' + i)); m.Body != want {
			t.Fatalf("message %d = %q; want %q", i, m.Body, want)
		}
	}
}

func TestNATS_RejectsBadInput(t *testing.T) {
	if _, err := NewNATS(nil, "chat"); err == nil {
		t.Fatalf("expected error for nil connection")
	}
	s := runNATSServer(t)
	nc := connectNATS(t, s)
	if _, err := NewNATS(nc, "..."); err == nil {
		t.Fatalf("expected error for empty prefix")
	}

	reg, err := NewNATS(nc, "chat.room")
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	defer reg.Close()
	for _, room := range []string{"", "a.b", "a*", "x>"} {
		if err := reg.Broadcast(context.Background(), room, Message{}); err == nil {
			t.Fatalf("expected error for room %q", room)
		}
	}
}

func TestNATS_UndecodablePayloadIsDropped(t *testing.T) {
	s := runNATSServer(t)
	nc := connectNATS(t, s)
	reg, err := NewNATS(nc, "chat.room")
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	defer reg.Close()

	h := &recHandle{id: "h"}
	_ = reg.Join(context.Background(), "R", h)
	if err := nc.Publish("chat.room.R", []byte("{not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = reg.Broadcast(context.Background(), "R", Message{Body: "good"})
	waitFor(t, func() bool { return len(h.received()) == 1 })
	if h.received()[0].Body != "good" {
		t.Fatalf("unexpected delivery %+v", h.received())
	}
}
