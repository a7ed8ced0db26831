package dom

import "testing"

func TestDiffer_RequiresTwoSnapshots(t *testing.T) {
	t.Parallel()
	d := NewDiffer()
	if _, err := d.Diff(); err != ErrNoPriorSnapshot {
		t.Fatalf("Diff before any snapshot = %v, want ErrNoPriorSnapshot", err)
	}

	d.Record(Snapshot{OuterHTML: "<html>one</html>"})
	if _, err := d.Diff(); err != ErrNoPriorSnapshot {
		t.Fatalf("Diff after one snapshot = %v, want ErrNoPriorSnapshot", err)
	}
}

func TestDiffer_DiffsTwoSnapshots(t *testing.T) {
	t.Parallel()
	d := NewDiffer()
	d.Record(Snapshot{OuterHTML: "<html>one</html>"})
	d.Record(Snapshot{OuterHTML: "<html>two</html>"})

	out, err := d.Diff()
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if out == "" {
		t.Fatal("expected a non-empty diff between distinct snapshots")
	}
}
