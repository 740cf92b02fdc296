package ephemeral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(WithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func testStores(t *testing.T) map[string]Store {
	rs, _ := newTestRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestPublishSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			d := Descriptor{SessionID: "s1", StartTimestamp: 1760600000, IntervalSeconds: 1800}
			b := DeviceBinding{DeviceID: "dev-1", SessionID: "s1", OwnerIdentity: "u1", AlertThresholdSeconds: 30}
			if err := s.PublishSession(ctx, d, b, time.Hour); err != nil {
				t.Fatalf("PublishSession failed: %v", err)
			}

			gotD, err := s.GetDescriptor(ctx, "s1")
			if err != nil {
				t.Fatalf("GetDescriptor failed: %v", err)
			}
			if *gotD != d {
				t.Errorf("descriptor = %+v, want %+v", gotD, d)
			}
			gotB, err := s.GetDeviceBinding(ctx, "dev-1")
			if err != nil {
				t.Fatalf("GetDeviceBinding failed: %v", err)
			}
			if *gotB != b {
				t.Errorf("binding = %+v, want %+v", gotB, b)
			}

			if _, err := s.GetDescriptor(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestImageBlobs(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ref := ImageRef("u1", "c1")
			if err := s.PutImage(ctx, ref, []byte{0xff, 0xd8}, time.Minute); err != nil {
				t.Fatalf("PutImage failed: %v", err)
			}
			data, err := s.GetImage(ctx, ref)
			if err != nil || len(data) != 2 || data[0] != 0xff {
				t.Fatalf("GetImage = %v, %v", data, err)
			}
			if err := s.DeleteImage(ctx, ref); err != nil {
				t.Fatalf("DeleteImage failed: %v", err)
			}
			if _, err := s.GetImage(ctx, ref); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestRedisPublishSetsTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	d := Descriptor{SessionID: "s1", StartTimestamp: 1, IntervalSeconds: 900}
	b := DeviceBinding{DeviceID: "dev-1", SessionID: "s1", OwnerIdentity: "u1"}
	if err := s.PublishSession(ctx, d, b, 20*time.Minute); err != nil {
		t.Fatalf("PublishSession failed: %v", err)
	}
	if ttl := mr.TTL(SessionKey("s1")); ttl != 20*time.Minute {
		t.Errorf("session TTL = %v, want 20m", ttl)
	}
	if ttl := mr.TTL(DeviceKey("dev-1")); ttl != 20*time.Minute {
		t.Errorf("device TTL = %v, want 20m", ttl)
	}
	if got := mr.HGet(SessionKey("s1"), "interval_seconds"); got != "900" {
		t.Errorf("interval_seconds = %q, want 900", got)
	}

	mr.FastForward(21 * time.Minute)
	if _, err := s.GetDescriptor(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected descriptor to expire, got %v", err)
	}
}

func TestRedisPublishFailsWhenServerDown(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	mr.Close()
	err := s.PublishSession(ctx, Descriptor{SessionID: "s1"}, DeviceBinding{DeviceID: "d"}, time.Minute)
	if err == nil {
		t.Fatal("expected publish to fail when Redis is unreachable")
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }

	m.PublishSession(ctx, Descriptor{SessionID: "s1"}, DeviceBinding{DeviceID: "d1", SessionID: "s1"}, time.Minute)
	now = now.Add(2 * time.Minute)
	if _, err := m.GetDeviceBinding(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired binding, got %v", err)
	}
}
