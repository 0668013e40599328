package sqlite

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"tethercam/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "captures.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCaptureRepository_InsertAndGet(t *testing.T) {
	repo := NewCaptureRepository(newTestDB(t))

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id, err := repo.Insert(&models.Capture{
		Filename:     "a.jpg",
		FilePath:     "/tmp/a.jpg",
		FileSize:     42,
		Series:       3,
		FocusCounter: 20,
		Timestamp:    ts,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := repo.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("capture not found")
	}
	if got.Filename != "a.jpg" || got.Series != 3 || got.FocusCounter != 20 {
		t.Errorf("unexpected capture %+v", got)
	}
	if got.Source != models.SourceDevice {
		t.Errorf("Source = %q, expected default %q", got.Source, models.SourceDevice)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, expected %v", got.Timestamp, ts)
	}

	missing, err := repo.GetByID(id + 100)
	if err != nil || missing != nil {
		t.Errorf("GetByID(missing) = %v, %v", missing, err)
	}
}

func TestCaptureRepository_RecentAndSeries(t *testing.T) {
	repo := NewCaptureRepository(newTestDB(t))
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := repo.Insert(&models.Capture{
			Filename:  fmt.Sprintf("%d.jpg", i),
			FilePath:  fmt.Sprintf("/tmp/%d.jpg", i),
			FileSize:  10,
			Series:    int64(i % 2),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	recent, err := repo.Recent(3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 || recent[0].Filename != "4.jpg" || recent[2].Filename != "2.jpg" {
		t.Errorf("Recent returned %v", recent)
	}

	series, err := repo.GetBySeries(1)
	if err != nil {
		t.Fatalf("GetBySeries: %v", err)
	}
	if len(series) != 2 || series[0].Filename != "1.jpg" {
		t.Errorf("GetBySeries(1) returned %v", series)
	}

	max, err := repo.MaxSeries()
	if err != nil || max != 1 {
		t.Errorf("MaxSeries = %d, %v", max, err)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalCaptures != 5 || stats.TotalSizeBytes != 50 {
		t.Errorf("Stats = %+v", stats)
	}

	if err := repo.Delete(recent[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	stats, _ = repo.Stats()
	if stats.TotalCaptures != 4 {
		t.Errorf("TotalCaptures after delete = %d", stats.TotalCaptures)
	}
}

func TestCaptureRepository_EmptyLog(t *testing.T) {
	repo := NewCaptureRepository(newTestDB(t))
	max, err := repo.MaxSeries()
	if err != nil || max != 0 {
		t.Errorf("MaxSeries on empty log = %d, %v", max, err)
	}
	recent, err := repo.Recent(3)
	if err != nil || len(recent) != 0 {
		t.Errorf("Recent on empty log = %v, %v", recent, err)
	}
}

func TestNew_MigratesOnceAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captures.db")

	db, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := db.Version()
	if err != nil || v != len(migrations) {
		t.Fatalf("Version = %d, %v; expected %d", v, err, len(migrations))
	}
	if _, err := NewCaptureRepository(db).Insert(&models.Capture{Filename: "x.jpg", FilePath: "/x.jpg", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	db.Close()

	db, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	stats, err := NewCaptureRepository(db).Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalCaptures != 1 {
		t.Errorf("TotalCaptures = %d after reopen, expected 1", stats.TotalCaptures)
	}
}
