package inbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/krew-solutions/courier-go/courier/session"
	"github.com/krew-solutions/courier-go/courier/utils/testutils"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestInbox(s *testutils.DbSessionStub) *PgInbox {
	i := NewInbox(&testutils.SessionPoolStub{DbSession: s}, "", "")
	i.now = func() time.Time { return fixedNow }
	return i
}

func TestNewInboxDefaults(t *testing.T) {
	i := NewInbox(nil, "", "")
	if i.table != "inbox" {
		t.Errorf("Expected table inbox, got %s", i.table)
	}
	if i.sequence != "inbox_received_position_seq" {
		t.Errorf("Expected sequence inbox_received_position_seq, got %s", i.sequence)
	}

	i = NewInbox(nil, "deliveries", "")
	if i.sequence != "deliveries_received_position_seq" {
		t.Errorf("Expected sequence derived from table name, got %s", i.sequence)
	}
}

func TestSeen(t *testing.T) {
	for _, exists := range []bool{true, false} {
		s := testutils.NewDbSessionStub(testutils.NewRowsStub([]any{exists}))
		i := newTestInbox(s)

		seen, err := i.Seen(context.Background(), "key-1")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if seen != exists {
			t.Errorf("Expected seen=%v, got %v", exists, seen)
		}
		if !strings.Contains(s.ActualQuery, "SELECT EXISTS") {
			t.Errorf("Expected EXISTS query, got %s", s.ActualQuery)
		}
		if len(s.ActualParams) != 1 || s.ActualParams[0] != "key-1" {
			t.Errorf("Expected params [key-1], got %v", s.ActualParams)
		}
	}
}

func TestRememberInsertsIdempotently(t *testing.T) {
	s := testutils.NewDbSessionStub(nil)
	i := newTestInbox(s)

	if err := i.Remember(context.Background(), "key-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(s.ActualQuery, "ON CONFLICT (delivery_key) DO NOTHING") {
		t.Errorf("Expected ON CONFLICT DO NOTHING, got %s", s.ActualQuery)
	}
	if s.ActualParams[0] != "key-1" || s.ActualParams[1] != fixedNow {
		t.Errorf("Unexpected params %v", s.ActualParams)
	}
}

func TestRememberReportsFailure(t *testing.T) {
	s := testutils.NewDbSessionStub(nil)
	s.ExecErr = errors.New("connection lost")
	i := newTestInbox(s)

	err := i.Remember(context.Background(), "key-1")
	if err == nil || !strings.Contains(err.Error(), "connection lost") {
		t.Errorf("Expected wrapped exec error, got %v", err)
	}
}

func TestGuardJoinsSessionFromContext(t *testing.T) {
	i := NewInbox(&testutils.SessionPoolStub{Err: errors.New("pool must not be used")}, "", "")
	tx := testutils.NewDbSessionStub(testutils.NewRowsStub([]any{false}))
	ctx := session.WithSession(context.Background(), tx)

	if _, err := i.Seen(ctx, "key-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := i.Remember(ctx, "key-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if n := len(tx.Queries()); n != 2 {
		t.Errorf("Expected 2 statements on the context session, got %d", n)
	}
}

func TestPurge(t *testing.T) {
	s := testutils.NewDbSessionStub(nil)
	i := newTestInbox(s)

	purged, err := i.Purge(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged record, got %d", purged)
	}
	if s.ActualParams[0] != fixedNow.Add(-time.Hour) {
		t.Errorf("Expected cutoff %v, got %v", fixedNow.Add(-time.Hour), s.ActualParams[0])
	}
}

func TestSetupCreatesSequenceAndTable(t *testing.T) {
	s := testutils.NewDbSessionStub(nil)
	i := newTestInbox(s)

	if err := i.Setup(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	queries := s.Queries()
	if len(queries) != 3 {
		t.Fatalf("Expected 3 statements, got %d", len(queries))
	}
	if !strings.Contains(queries[0].SQL, "CREATE SEQUENCE IF NOT EXISTS inbox_received_position_seq") {
		t.Errorf("Unexpected sequence statement: %s", queries[0].SQL)
	}
	if !strings.Contains(queries[1].SQL, "PRIMARY KEY (delivery_key)") {
		t.Errorf("Unexpected table statement: %s", queries[1].SQL)
	}
	if s.AtomicCalls != 1 {
		t.Errorf("Expected setup in one transaction, got %d", s.AtomicCalls)
	}
}
