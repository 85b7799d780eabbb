package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"onlineretail/internal/apperrors"
	"onlineretail/internal/storage"
)

// startPostgres starts a throwaway Postgres container and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "retail",
			"POSTGRES_USER":     "retail",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://retail:test_password@%s:%s/retail?sslmode=disable", host, port.Port())
}

func TestStore_Postgres_DimensionFirstWinsAndFKRollback(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	st, err := storage.New(ctx, storage.Config{Kind: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.EnsureTables(ctx, storage.RetailTables(storage.SchemaOptions{AutoCreate: true})))
	// Second call is a no-op.
	require.NoError(t, st.EnsureTables(ctx, storage.RetailTables(storage.SchemaOptions{AutoCreate: true})))

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.EnsureDimensionRows(ctx, storage.TableProducts,
		[]string{"stock_code", "description"},
		[][]any{{"85123A", "WHITE HANGING HEART T-LIGHT HOLDER"}},
		[]string{"stock_code"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))

	tx, err = st.Begin(ctx)
	require.NoError(t, err)
	n, err = tx.EnsureDimensionRows(ctx, storage.TableProducts,
		[]string{"stock_code", "description"},
		[][]any{{"85123A", "RENAMED"}},
		[]string{"stock_code"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// Unknown invoice: FK violation, not a lost connection.
	_, err = tx.InsertFactRows(ctx, storage.TableInvoiceItems,
		[]string{"invoice_id", "stock_code", "quantity", "unit_price", "source_line"},
		[][]any{{"999999", "85123A", int64(1), decimal.RequireFromString("2.55"), int64(2)}},
		nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperrors.ErrConnectionLost))
	require.NoError(t, tx.Rollback(ctx))

	var desc string
	require.NoError(t, st.(*Store).conn.QueryRow(ctx,
		`SELECT description FROM products WHERE stock_code = $1`, "85123A").Scan(&desc))
	assert.Equal(t, "WHITE HANGING HEART T-LIGHT HOLDER", desc)
}

func TestStore_Postgres_ClosedConnectionIsConnectionLost(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	st, err := NewStore(ctx, storage.Config{Kind: "postgres", DSN: dsn})
	require.NoError(t, err)
	st.Close()

	_, err = st.Begin(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConnectionLost), "got %v", err)
}
