package historydb_test

import (
	"context"
	"testing"
	"time"

	"github.com/ardenmoss/bdg/internal/historydb"
)

func TestDB_RecordAndList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	db, err := historydb.Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	start := time.Now().Add(-time.Minute).UTC()
	end := time.Now().UTC()

	err = db.Record(context.Background(), historydb.Row{
		TargetURL:    "https://example.com",
		TargetTitle:  "Example",
		StartedAt:    start,
		EndedAt:      end,
		DurationMS:   60000,
		NetworkCount: 12,
		ConsoleCount: 3,
		Outcome:      historydb.OutcomeClean,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	rows, err := db.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].TargetURL != "https://example.com" || rows[0].Outcome != historydb.OutcomeClean {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestDB_ListRespectsLimit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	db, err := historydb.Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 5; i++ {
		err := db.Record(context.Background(), historydb.Row{
			TargetURL: "https://example.com",
			StartedAt: time.Now(),
			EndedAt:   time.Now(),
			Outcome:   historydb.OutcomeClean,
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rows, err := db.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}
