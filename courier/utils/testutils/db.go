package testutils

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	pgsession "github.com/krew-solutions/courier-go/courier/session/pg"
)

// DatabaseURLEnv names the variable that enables tests against a live PostgreSQL.
const DatabaseURLEnv = "COURIER_TEST_DATABASE_URL"

// NewPgSessionPool connects to the database named by COURIER_TEST_DATABASE_URL
// and skips the test when the variable is not set.
func NewPgSessionPool(t testing.TB) *pgsession.SessionPool {
	t.Helper()
	url, ok := os.LookupEnv(DatabaseURLEnv)
	if !ok || url == "" {
		t.Skipf("%s is not set", DatabaseURLEnv)
	}

	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("unable to connect to %s: %v", DatabaseURLEnv, err)
	}
	t.Cleanup(pool.Close)

	return pgsession.NewSessionPool(pool)
}
