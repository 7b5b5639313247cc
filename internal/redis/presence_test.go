package redis

import (
	"context"
	"testing"
	"time"
)

func TestPresenceAnnounceAndMembers(t *testing.T) {
	mr, client, raw := setupMiniredis(t, Config{})
	ctx := context.Background()
	p := client.Presence(time.Minute)

	if got, want := p.Channel(), "test:email:workers"; got != want {
		t.Errorf("Channel() = %v, want %v", got, want)
	}

	sub := raw.Subscribe(ctx, p.Channel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := p.Announce(ctx, "w-1", []byte(`{"id":"w-1"}`)); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if err := p.Announce(ctx, "w-2", []byte(`{"id":"w-2"}`)); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if msg.Payload != `{"id":"w-1"}` {
		t.Errorf("published payload = %v, want %v", msg.Payload, `{"id":"w-1"}`)
	}

	members, err := p.Members(ctx)
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("len(Members()) = %d, want 2", len(members))
	}
	if string(members["w-2"]) != `{"id":"w-2"}` {
		t.Errorf("Members()[w-2] = %s", members["w-2"])
	}

	if ttl := mr.TTL("test:email:workers:w-1"); ttl != time.Minute {
		t.Errorf("TTL = %v, want %v", ttl, time.Minute)
	}

	mr.FastForward(2 * time.Minute)
	members, err = p.Members(ctx)
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 0 {
		t.Errorf("len(Members()) after expiry = %d, want 0", len(members))
	}
}

func TestPresenceWithdraw(t *testing.T) {
	_, client, _ := setupMiniredis(t, Config{})
	ctx := context.Background()
	p := client.Presence(0)

	if err := p.Announce(ctx, "w-1", []byte(`{}`)); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if err := p.Withdraw(ctx, "w-1"); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	members, err := p.Members(ctx)
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 0 {
		t.Errorf("len(Members()) = %d, want 0", len(members))
	}
}
