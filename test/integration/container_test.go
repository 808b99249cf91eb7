//go:build integration

package integration

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const postgresImage = "postgres:16-alpine"

// startPostgres runs a throwaway Postgres through the Docker CLI. Docker picks
// the host port; data lives on tmpfs with fsync off since nothing survives
// the run.
func startPostgres(ctx context.Context) (string, func(), error) {
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"-p", "127.0.0.1::5432",
		"--tmpfs", "/var/lib/postgresql/data",
		"-e", "POSTGRES_USER=testuser",
		"-e", "POSTGRES_PASSWORD=testpass",
		"-e", "POSTGRES_DB=suggesttest",
		"--label", "suggest-integration-test",
		postgresImage,
		"-c", "fsync=off", "-c", "full_page_writes=off",
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w\noutput: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	cleanup := func() { _ = exec.Command("docker", "rm", "-f", id).Run() }

	addr, err := mappedAddr(ctx, id)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	connStr := fmt.Sprintf("postgres://testuser:testpass@%s/suggesttest?sslmode=disable", addr)
	if err := waitForPostgres(ctx, connStr, 30*time.Second); err != nil {
		cleanup()
		return "", nil, err
	}
	return connStr, cleanup, nil
}

// mappedAddr asks Docker which host address 5432 was published on.
func mappedAddr(ctx context.Context, id string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", id, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	host, port, err := net.SplitHostPort(line)
	if err != nil {
		return "", fmt.Errorf("parse docker port output %q: %w", line, err)
	}
	return net.JoinHostPort(host, port), nil
}

// waitForPostgres retries a connection until the server accepts queries.
// The image restarts once after init, so an early success is not trusted
// until a query also succeeds.
func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		conn, err := pgx.Connect(ctx, connStr)
		if err == nil {
			var one int
			err = conn.QueryRow(ctx, "SELECT 1").Scan(&one)
			conn.Close(ctx)
			if err == nil {
				return nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}
