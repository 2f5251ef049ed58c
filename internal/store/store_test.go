package store

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/die-net/sshdirect/internal/config"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete missing: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Put(ctx, config.Descriptor{Name: "bad"}); err == nil {
		t.Fatal("Put accepted an invalid descriptor")
	}

	web, err := s.Put(ctx, config.Descriptor{Name: "web", Host: "web.example", Port: 22, Username: "u", Secret: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if web.ID == "" {
		t.Fatal("Put did not assign an ID")
	}
	db, err := s.Put(ctx, config.Descriptor{ID: "db", Name: "db", Host: "db.example", Port: 2222, Username: "u"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, web.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != web {
		t.Fatalf("Get = %+v want %+v", got, web)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != db.ID || list[1].ID != web.ID {
		t.Fatalf("List = %+v", list)
	}

	web.Host = "web2.example"
	if _, err := s.Put(ctx, web); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(ctx, web.ID); got.Host != "web2.example" {
		t.Fatalf("Put did not replace: %+v", got)
	}

	if err := s.Delete(ctx, db.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, db.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get deleted: expected ErrNotFound, got %v", err)
	}
	if list, _ := s.List(ctx); len(list) != 1 {
		t.Fatalf("List after delete = %+v", list)
	}
}

func TestMemory(t *testing.T) {
	t.Parallel()

	testStore(t, NewMemory())
}

// TestRedis runs against the server in SSHDIRECT_TEST_REDIS (host:port).
func TestRedis(t *testing.T) {
	addr := os.Getenv("SSHDIRECT_TEST_REDIS")
	if addr == "" {
		t.Skip("SSHDIRECT_TEST_REDIS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := "sshdirect-test-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	r, err := NewRedis(ctx, RedisOptions{Addr: addr, Prefix: prefix})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		keys, _ := r.client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = r.client.Del(context.Background(), keys...).Err()
		}
		_ = r.Close()
	})

	testStore(t, r)
}

func TestNewRedisUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := NewRedis(ctx, RedisOptions{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected connection error")
	}
}
