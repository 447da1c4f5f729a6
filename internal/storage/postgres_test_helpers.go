//go:build postgres

package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func startEphemeralPostgres(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("PEERSTREAM_TEST_POSTGRES_DSN not set and docker unavailable")
	}

	user := envOr("PEERSTREAM_TEST_POSTGRES_USER", "peerstream")
	password := envOr("PEERSTREAM_TEST_POSTGRES_PASSWORD", "peerstream")
	db := envOr("PEERSTREAM_TEST_POSTGRES_DB", "peerstream_test")
	port := envOr("PEERSTREAM_TEST_POSTGRES_PORT", "54329")
	image := envOr("PEERSTREAM_TEST_POSTGRES_IMAGE", "postgres:15-alpine")

	containerName := fmt.Sprintf("peerstream-postgres-test-%d", time.Now().UnixNano())
	args := []string{
		"run", "--rm", "--detach",
		"--name", containerName,
		"--publish", fmt.Sprintf("%s:5432", port),
		"--env", fmt.Sprintf("POSTGRES_USER=%s", user),
		"--env", fmt.Sprintf("POSTGRES_PASSWORD=%s", password),
		"--env", fmt.Sprintf("POSTGRES_DB=%s", db),
		"--health-cmd", fmt.Sprintf("pg_isready -U %s -d %s", user, db),
		"--health-interval", "2s",
		"--health-timeout", "5s",
		"--health-retries", "15",
		image,
	}
	if output, err := exec.Command("docker", args...).CombinedOutput(); err != nil {
		t.Skipf("start postgres container: %v: %s", err, string(output))
	}
	t.Cleanup(func() {
		_ = exec.Command("docker", "rm", "-f", containerName).Run()
	})

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		output, err := exec.Command("docker", "inspect", "--format", "{{.State.Health.Status}}", containerName).CombinedOutput()
		status := strings.TrimSpace(string(output))
		if err == nil && status == "healthy" {
			return fmt.Sprintf("postgres://%s:%s@127.0.0.1:%s/%s?sslmode=disable", user, password, port, db)
		}
		if status == "unhealthy" {
			logs, _ := exec.Command("docker", "logs", containerName).CombinedOutput()
			t.Fatalf("postgres container unhealthy: %s", string(logs))
		}
		time.Sleep(time.Second)
	}
	logs, _ := exec.Command("docker", "logs", containerName).CombinedOutput()
	t.Fatalf("postgres container did not become healthy: %s", string(logs))
	return ""
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// newPostgresRepositoryForTest opens a migrated repository with empty
// tables.
func newPostgresRepositoryForTest(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PEERSTREAM_TEST_POSTGRES_DSN"))
	if dsn == "" {
		dsn = startEphemeralPostgres(t)
		t.Setenv("PEERSTREAM_TEST_POSTGRES_DSN", dsn)
	}
	ctx := context.Background()
	repo, err := NewPostgresRepository(ctx, PostgresConfig{DSN: dsn, ApplicationName: "peerstream-test", AcquireTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open postgres repository: %v", err)
	}
	truncate := func() {
		if _, err := repo.Pool().Exec(context.Background(), "TRUNCATE TABLE downloads, search_results RESTART IDENTITY"); err != nil {
			t.Fatalf("truncate tables: %v", err)
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		if err := repo.Close(context.Background()); err != nil {
			t.Fatalf("close repository: %v", err)
		}
	})
	return repo
}
