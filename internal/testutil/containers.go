// Package testutil starts the backing services integration and e2e tests run
// against: postgres with pgvector, an S3-compatible RustFS and qdrant.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloo-solutions/docrag/internal/database"
	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "docrag"
	pgPassword = "docrag"
	pgDatabase = "docrag"

	RustFSAccessKey = "rustfsadmin"
	RustFSSecretKey = "rustfsadmin"
)

// service is a started container and the host address of its one port.
type service struct {
	Container testcontainers.Container
	Host      string
	Port      string
}

func startService(ctx context.Context, t *testing.T, name string, req testcontainers.ContainerRequest) service {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s container: %v", name, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		t.Fatalf("failed to get %s host: %v", name, err)
	}
	port, err := container.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		t.Fatalf("failed to get %s port: %v", name, err)
	}
	return service{Container: container, Host: host, Port: port.Port()}
}

// Terminate stops and removes the container.
func (s service) Terminate(context.Context) error {
	return testcontainers.TerminateContainer(s.Container)
}

type PostgresContainer struct {
	service
}

// NewPostgresContainer starts postgres with the vector extension available.
func NewPostgresContainer(ctx context.Context, t *testing.T) *PostgresContainer {
	s := startService(ctx, t, "postgres", testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:0.8.1-pg18",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		},
		// The entrypoint restarts postgres once after init, so the ready line
		// shows up twice.
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithStartupTimeout(60 * time.Second),
	})
	return &PostgresContainer{service: s}
}

func (pc *PostgresContainer) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", pgUser, pgPassword, pc.Host, pc.Port, pgDatabase)
}

type RustFSContainer struct {
	service
}

func NewRustFSContainer(ctx context.Context, t *testing.T) *RustFSContainer {
	s := startService(ctx, t, "rustfs", testcontainers.ContainerRequest{
		Image:        "rustfs/rustfs:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"RUSTFS_ACCESS_KEY": RustFSAccessKey,
			"RUSTFS_SECRET_KEY": RustFSSecretKey,
		},
		WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(30 * time.Second),
	})
	return &RustFSContainer{service: s}
}

func (rc *RustFSContainer) Endpoint() string {
	return fmt.Sprintf("http://%s:%s", rc.Host, rc.Port)
}

type QdrantContainer struct {
	service
}

func NewQdrantContainer(ctx context.Context, t *testing.T) *QdrantContainer {
	s := startService(ctx, t, "qdrant", testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:v1.12.4",
		ExposedPorts: []string{"6333/tcp"},
		WaitingFor:   wait.ForHTTP("/readyz").WithPort("6333/tcp").WithStartupTimeout(60 * time.Second),
	})
	return &QdrantContainer{service: s}
}

// URL is the REST endpoint.
func (qc *QdrantContainer) URL() string {
	return fmt.Sprintf("http://%s:%s", qc.Host, qc.Port)
}

// NewTestPool connects to pc and applies the migrations in migrationsDir
// through the same code path docragd serve uses.
func NewTestPool(ctx context.Context, t *testing.T, pc *PostgresContainer, migrationsDir string) *pgxpool.Pool {
	t.Helper()

	pool, err := database.NewPool(ctx, database.Config{
		URL:             pc.ConnectionString(),
		ConnectAttempts: 5,
		RetryDelay:      500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	dir, err := filepath.Abs(migrationsDir)
	if err != nil {
		pool.Close()
		t.Fatalf("failed to resolve migrations dir: %v", err)
	}
	if err := database.Migrate(pc.ConnectionString(), "file://"+filepath.ToSlash(dir)); err != nil {
		pool.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	return pool
}
