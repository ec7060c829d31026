package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	postgresImage = "postgres:16.4"
	containerName = "tokenguard-db"
)

// StartPostgresContainer runs a local Postgres with a persistent volume for
// development and waits until it answers pings. An already reachable
// database is left alone.
func StartPostgresContainer(ctx context.Context, c DatabaseConfig) error {
	if checkPostgresReady(ctx, c, 1) == nil {
		return nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	out, err := cli.ImagePull(ctx, postgresImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", postgresImage, err)
	}
	_, _ = io.Copy(io.Discard, out)
	_ = out.Close()

	port := strconv.Itoa(c.DatabasePort)
	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: postgresImage,
		Env: []string{
			"POSTGRES_USER=" + c.DatabaseUser,
			"POSTGRES_PASSWORD=" + c.DatabasePass,
			"POSTGRES_DB=" + c.DatabaseName,
		},
		ExposedPorts: nat.PortSet{"5432/tcp": struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			"5432/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: port}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: "tokenguard_postgres_data",
			Target: "/var/lib/postgresql/data",
		}},
	}, nil, nil, containerName)

	id := resp.ID
	switch {
	case cerrdefs.IsConflict(err):
		// Left over from an earlier run; start it again by name.
		id = containerName
	case err != nil:
		return fmt.Errorf("creating container: %w", err)
	}

	if err := cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	if err := checkPostgresReady(ctx, c, 30); err != nil {
		return fmt.Errorf("waiting for postgres: %w", err)
	}
	return nil
}

// checkPostgresReady pings the database up to attempts times with
// exponential backoff.
func checkPostgresReady(ctx context.Context, c DatabaseConfig, attempts int) error {
	pool, err := pgxpool.New(ctx, c.URL())
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	backoff := 100 * time.Millisecond
	for i := range attempts {
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		slog.InfoContext(ctx, "postgres is not ready, retrying", "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 5*time.Second)
	}
	return fmt.Errorf("postgres not ready after %d attempts: %w", attempts, err)
}
