//go:build integration_pg
// +build integration_pg

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"firms-hotspot-alerts/internal/config"
)

func startPostgres(t *testing.T) (dsn string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "hotspots",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("start postgres container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("mapped port: %v", err)
	}

	dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/hotspots?sslmode=disable", host, mapped.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return dsn, stop
}

func openPostgres(t *testing.T, dsn string) *Postgres {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lastErr error
	// the ready log line appears once before the init restart
	for attempt := 0; attempt < 10; attempt++ {
		pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		store := NewPostgres(pool)
		if lastErr = store.Ping(ctx); lastErr == nil {
			return store
		}
		store.Close()
		time.Sleep(time.Second)
	}
	t.Fatalf("connect postgres: %v", lastErr)
	return nil
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	store := openPostgres(t, dsn)
	defer store.Close()

	exerciseStore(t, store)
}

func TestPostgresAdvisoryLock_Integration(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	store := openPostgres(t, dsn)
	defer store.Close()

	ctx := context.Background()
	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.TryAdvisoryLock(ctx, 42); err != nil || ok {
		t.Fatalf("second lock should be refused: ok=%v err=%v", ok, err)
	}
	unlock()

	unlock, ok, err = store.TryAdvisoryLock(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("relock after release: ok=%v err=%v", ok, err)
	}
	unlock()
}
