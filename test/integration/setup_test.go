package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/trialmatch/internal/domain/research"
	"github.com/ehr/trialmatch/internal/platform/db"
	"github.com/ehr/trialmatch/migrations"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool     *pgxpool.Pool
	ConnStr  string
	Migrator *db.Migrator
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := databaseURL(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping integration tests: %v\n", err)
		os.Exit(0)
	}

	tdb, err := connect(ctx, connStr)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to connect to postgres: %v\n", err)
		os.Exit(1)
	}

	globalDB = tdb
	code := m.Run()
	tdb.Pool.Close()
	cleanup()
	os.Exit(code)
}

// databaseURL returns TEST_DATABASE_URL when set, otherwise starts a
// throwaway postgres:16-alpine container.
func databaseURL(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url, func() {}, nil
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, fmt.Errorf("docker not available and TEST_DATABASE_URL not set")
	}
	return startPostgresContainer(ctx)
}

func connect(ctx context.Context, connStr string) (*testDB, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &testDB{
		Pool:     pool,
		ConnStr:  connStr,
		Migrator: db.NewMigrator(pool, migrations.FS, zerolog.Nop()),
	}, nil
}

// createTenantSchema creates a new tenant schema and runs all migrations.
func createTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	if err := db.CreateTenantSchema(ctx, globalDB.Pool, tenantID, globalDB.Migrator); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
}

// dropTenantSchema drops a tenant schema for cleanup.
func dropTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	schema := fmt.Sprintf("tenant_%s", tenantID)
	_, err := globalDB.Pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	if err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

// newTenant creates a migrated tenant schema that is dropped when the test ends.
func newTenant(t *testing.T, prefix string) string {
	t.Helper()
	ctx := context.Background()
	tenantID := uniqueTenantID(prefix)
	createTenantSchema(t, ctx, tenantID)
	t.Cleanup(func() { dropTenantSchema(t, context.Background(), tenantID) })
	return tenantID
}

// withTenantConn acquires a connection, sets the search path to the tenant schema,
// and passes it to the callback. The connection is released after the callback.
func withTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	schema := fmt.Sprintf("tenant_%s", tenantID)
	_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema))
	if err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	// Put the connection into context so repos can find it
	ctx = context.WithValue(ctx, db.DBConnKey, conn)
	ctx = context.WithValue(ctx, db.TenantIDKey, tenantID)
	return fn(ctx)
}

// inTenant runs fn in the tenant schema and fails the test on error.
func inTenant(t *testing.T, tenantID string, fn func(ctx context.Context) error) {
	t.Helper()
	if err := withTenantConn(context.Background(), globalDB.Pool, tenantID, fn); err != nil {
		t.Fatal(err)
	}
}

// uniqueTenantID generates a unique tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// createTestStudy inserts a recruiting diabetes study.
func createTestStudy(t *testing.T, tenantID, title string, mutate func(s *research.ResearchStudy)) *research.ResearchStudy {
	t.Helper()
	s := &research.ResearchStudy{
		Title:          title,
		ProtocolNumber: "PROTO-" + uuid.New().String()[:8],
		Status:         "recruiting",
		Conditions:     []string{"Type 2 Diabetes"},
		MinimumAge:     ptrInt(18),
		MaximumAge:     ptrInt(75),
		Gender:         "all",
	}
	if mutate != nil {
		mutate(s)
	}
	inTenant(t, tenantID, func(ctx context.Context) error {
		return research.NewStudyRepoPG(globalDB.Pool).Create(ctx, s)
	})
	return s
}

// ptrStr returns a pointer to the given string.
func ptrStr(s string) *string { return &s }

// ptrFloat returns a pointer to the given float64.
func ptrFloat(f float64) *float64 { return &f }

// ptrInt returns a pointer to the given int.
func ptrInt(i int) *int { return &i }
