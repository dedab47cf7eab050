package store

import (
	"context"
	"os"
	"testing"
)

// MySQL tests require a live database. Set MYSQL_DSN to run them, e.g.
//
//	MYSQL_DSN="user:pass@tcp(localhost:3306)/dagflow_test" go test ./flow/store/
func mysqlDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set; skipping MySQL integration test")
	}
	return dsn
}

func TestMySQLStore(t *testing.T) {
	s, err := NewMySQLStore[snapshot](mysqlDSN(t))
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	// Clear any rows left behind by a previous run.
	ctx := context.Background()
	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, id := range ids {
		_ = s.Delete(ctx, id)
	}

	exerciseStore(t, s)
}

func TestMySQLStore_ClosedStore(t *testing.T) {
	s, err := NewMySQLStore[snapshot](mysqlDSN(t))
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx := context.Background()
	if err := s.Save(ctx, "wf", snapshot{}); err == nil {
		t.Error("Save succeeded on a closed store")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("Ping succeeded on a closed store")
	}
}
