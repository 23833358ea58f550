package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestInsertAndRecent(t *testing.T) {
	j := openTemp(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{ID: "a", TakenAt: base, Trigger: "motion", Media: "m1", Temperature: 20.5, Humidity: 40, SensorValid: true, Regions: 2, Status: StatusCaptured},
		{ID: "b", TakenAt: base.Add(time.Minute), Trigger: "external", Media: "m2", Status: StatusCaptured},
		{ID: "c", TakenAt: base.Add(2 * time.Minute), Trigger: "external", Status: StatusNoImage},
	}
	for _, e := range entries {
		if err := j.Insert(e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	recent, err := j.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].ID != "c" || recent[1].ID != "b" {
		t.Errorf("expected newest first, got %s, %s", recent[0].ID, recent[1].ID)
	}

	all, _ := j.Recent(10)
	first := all[len(all)-1]
	if !first.SensorValid || first.Regions != 2 || first.Temperature != 20.5 {
		t.Errorf("fields not preserved: %+v", first)
	}
	if !first.TakenAt.Equal(base) {
		t.Errorf("expected %v, got %v", base, first.TakenAt)
	}
}

func TestSetStatusAndStats(t *testing.T) {
	j := openTemp(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	j.Insert(Entry{ID: "a", TakenAt: base, Trigger: "motion", Media: "m1", Status: StatusCaptured})
	j.Insert(Entry{ID: "b", TakenAt: base.Add(time.Hour), Trigger: "motion", Media: "m2", Status: StatusCaptured})
	j.Insert(Entry{ID: "c", TakenAt: base.Add(2 * time.Hour), Trigger: "external", Media: "m3", Status: StatusCaptured})

	if err := j.SetStatus("m1", StatusUploaded); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := j.SetStatus("m2", StatusRetained); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	stats, err := j.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("expected 3 captures, got %d", stats.Total)
	}
	if stats.ByTrigger["motion"] != 2 || stats.ByTrigger["external"] != 1 {
		t.Errorf("unexpected trigger counts %v", stats.ByTrigger)
	}
	if stats.ByStatus[StatusUploaded] != 1 || stats.ByStatus[StatusRetained] != 1 || stats.ByStatus[StatusCaptured] != 1 {
		t.Errorf("unexpected status counts %v", stats.ByStatus)
	}
	if !stats.Last.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("expected last capture %v, got %v", base.Add(2*time.Hour), stats.Last)
	}
}

func TestStatsOnEmptyJournal(t *testing.T) {
	j := openTemp(t)
	stats, err := j.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 0 || !stats.Last.IsZero() {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	j.Insert(Entry{ID: "a", TakenAt: time.Now(), Trigger: "motion", Status: StatusCaptured})
	j.Close()

	j, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	stats, _ := j.Stats()
	if stats.Total != 1 {
		t.Errorf("expected 1 capture after reopen, got %d", stats.Total)
	}
}
