package event

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := OpenLog(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	if err := l.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return l
}

func TestAppendAndHistory(t *testing.T) {
	l := newTestLog(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		err := l.Append(Event{
			CR:        "cr-1",
			Seq:       i,
			Type:      TypeStageEntered,
			Stage:     "intake",
			Data:      map[string]any{"n": float64(i)},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	hist, err := l.History("cr-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("History returned %d events, want 3", len(hist))
	}
	for i, e := range hist {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
	if hist[1].Data["n"] != float64(2) {
		t.Errorf("Data[n] = %v, want 2", hist[1].Data["n"])
	}
	if hist[0].Stage != "intake" {
		t.Errorf("Stage = %q, want intake", hist[0].Stage)
	}
}

func TestHistoryIsolatedPerCR(t *testing.T) {
	l := newTestLog(t)
	ts := time.Now().UTC()

	if err := l.Append(Event{CR: "cr-a", Seq: 1, Type: TypePipelineStarted, Timestamp: ts}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(Event{CR: "cr-b", Seq: 1, Type: TypePipelineStarted, Timestamp: ts}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	hist, err := l.History("cr-a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].CR != "cr-a" {
		t.Fatalf("History(cr-a) = %+v, want one cr-a event", hist)
	}
}

func TestLastSeq(t *testing.T) {
	l := newTestLog(t)

	seq, err := l.LastSeq("cr-1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if seq != 0 {
		t.Errorf("LastSeq of empty CR = %d, want 0", seq)
	}

	ts := time.Now().UTC()
	for i := int64(1); i <= 5; i++ {
		if err := l.Append(Event{CR: "cr-1", Seq: i, Type: TypeCostUpdate, Timestamp: ts}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	seq, err = l.LastSeq("cr-1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if seq != 5 {
		t.Errorf("LastSeq = %d, want 5", seq)
	}
}

func TestAppendDuplicateSeq(t *testing.T) {
	l := newTestLog(t)
	ts := time.Now().UTC()

	if err := l.Append(Event{CR: "cr-1", Seq: 1, Type: TypeError, Timestamp: ts}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(Event{CR: "cr-1", Seq: 1, Type: TypeError, Timestamp: ts}); err == nil {
		t.Fatal("expected unique constraint error for duplicate (cr, seq)")
	}
}
