package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"proctord/internal/violation"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleOutcome(id string, ended time.Time) *Outcome {
	return &Outcome{
		SessionID: id,
		Candidate: "cand-42",
		StartedAt: t0,
		EndedAt:   ended,
		State:     StateTerminated,
		Reason:    violation.TerminationReason,
		Digest:    "ab12",
		Warnings: []violation.Warning{
			{Reason: violation.NoFace.Reason(), Type: violation.NoFace, SequenceNumber: 1, Timestamp: t0.Add(time.Minute), RemainingBeforeTermination: 2},
			{Reason: violation.TabSwitch.Reason(), Type: violation.TabSwitch, Detail: "hidden", SequenceNumber: 2, Timestamp: t0.Add(2 * time.Minute), RemainingBeforeTermination: 1},
			{Reason: violation.Clipboard.Reason(), Type: violation.Clipboard, SequenceNumber: 3, Timestamp: t0.Add(3 * time.Minute), RemainingBeforeTermination: 0},
		},
		Tally: violation.Tally{
			violation.NoFace:    2,
			violation.TabSwitch: 2,
			violation.Clipboard: 3,
		},
	}
}

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath, WithBusyTimeout(time.Second))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := ValidateSchema(s.db); err != nil {
		t.Errorf("ValidateSchema: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("database mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveOutcome(ctx, sampleOutcome("s1", t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Outcome(ctx, "s1"); err != nil {
		t.Errorf("outcome lost after reopen: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestSaveAndGetOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := sampleOutcome("s1", t0.Add(time.Hour))

	if err := s.SaveOutcome(ctx, want); err != nil {
		t.Fatalf("SaveOutcome failed: %v", err)
	}

	got, err := s.Outcome(ctx, "s1")
	if err != nil {
		t.Fatalf("Outcome failed: %v", err)
	}
	if got.Candidate != want.Candidate || got.State != StateTerminated || got.Reason != want.Reason || got.Digest != want.Digest {
		t.Errorf("unexpected outcome header %+v", got)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.EndedAt.Equal(want.EndedAt) {
		t.Errorf("timestamps: got %v..%v", got.StartedAt, got.EndedAt)
	}
	if got.Duration() != time.Hour {
		t.Errorf("Duration = %v", got.Duration())
	}
	if !got.Terminated() {
		t.Error("expected Terminated")
	}

	if len(got.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %d", len(got.Warnings))
	}
	for i, w := range got.Warnings {
		if w.SequenceNumber != i+1 {
			t.Errorf("warning %d has seq %d", i, w.SequenceNumber)
		}
		if w.Type != want.Warnings[i].Type || w.Reason != want.Warnings[i].Reason {
			t.Errorf("warning %d mismatch: %+v", i, w)
		}
		if !w.Timestamp.Equal(want.Warnings[i].Timestamp) {
			t.Errorf("warning %d timestamp %v", i, w.Timestamp)
		}
		if w.RemainingBeforeTermination != 2-i {
			t.Errorf("warning %d remaining %d", i, w.RemainingBeforeTermination)
		}
	}
	if got.Warnings[1].Detail != "hidden" {
		t.Errorf("detail lost: %q", got.Warnings[1].Detail)
	}

	if got.Tally.Total() != 7 || got.Tally[violation.Clipboard] != 3 {
		t.Errorf("unexpected tally %v", got.Tally)
	}
}

func TestSaveOutcomeReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveOutcome(ctx, sampleOutcome("s1", t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	updated := &Outcome{
		SessionID: "s1",
		StartedAt: t0,
		EndedAt:   t0.Add(2 * time.Hour),
		State:     StateStopped,
		Reason:    "stopped by host",
		Tally:     violation.Tally{violation.WindowBlur: 1},
	}
	if err := s.SaveOutcome(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got, err := s.Outcome(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateStopped || len(got.Warnings) != 0 {
		t.Errorf("outcome not replaced: %+v", got)
	}
	if len(got.Tally) != 1 || got.Tally[violation.WindowBlur] != 1 {
		t.Errorf("tally not replaced: %v", got.Tally)
	}
}

func TestSaveOutcomeRejectsBadInput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveOutcome(ctx, &Outcome{State: StateStopped}); err == nil {
		t.Error("expected error for missing session id")
	}
	if err := s.SaveOutcome(ctx, &Outcome{SessionID: "x", State: "paused"}); err == nil {
		t.Error("expected constraint error for unknown state")
	}
	if _, err := s.Outcome(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed save should leave nothing behind, got %v", err)
	}
}

func TestOutcomeNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Outcome(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListOutcomes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		o := sampleOutcome(id, t0.Add(time.Duration(i+1)*time.Hour))
		if id == "b" {
			o.State = StateStopped
		}
		if err := s.SaveOutcome(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListOutcomes(ctx, 0)
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(all))
	}
	if all[0].SessionID != "c" || all[2].SessionID != "a" {
		t.Errorf("expected newest first, got %s..%s", all[0].SessionID, all[2].SessionID)
	}
	if len(all[0].Warnings) != 3 || all[0].Tally.Total() != 7 {
		t.Error("list should load details")
	}

	limited, err := s.ListOutcomes(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 outcomes, got %d", len(limited))
	}

	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StateTerminated] != 2 || counts[StateStopped] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestListOutcomesEmpty(t *testing.T) {
	s := openTestStore(t)

	outcomes, err := s.ListOutcomes(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 0 {
		t.Errorf("expected empty list, got %d", len(outcomes))
	}
}

func TestDeleteOutcomeCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveOutcome(ctx, sampleOutcome("s1", t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteOutcome(ctx, "s1"); err != nil {
		t.Fatalf("DeleteOutcome: %v", err)
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM warnings").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected warnings removed, %d remain", n)
	}
	if err := s.DeleteOutcome(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestSaveOutcomeCanceledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.SaveOutcome(ctx, sampleOutcome("s1", t0)); err == nil {
		t.Error("expected error with canceled context")
	}
}

func TestMigrationStatus(t *testing.T) {
	s := openTestStore(t)

	status, err := GetMigrationStatus(s.db)
	if err != nil {
		t.Fatal(err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("current %d, latest %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("unexpected pending migrations: %v", status.Pending)
	}
	if len(status.Applied) != len(migrations) {
		t.Errorf("applied %d of %d", len(status.Applied), len(migrations))
	}
}

func TestRollbackAndReapply(t *testing.T) {
	s := openTestStore(t)

	if err := RollbackMigration(s.db); err != nil {
		t.Fatalf("RollbackMigration: %v", err)
	}
	status, err := GetMigrationStatus(s.db)
	if err != nil {
		t.Fatal(err)
	}
	if status.CurrentVersion != status.LatestVersion-1 || len(status.Pending) != 1 {
		t.Errorf("unexpected status after rollback: %+v", status)
	}

	if err := MigrateDB(s.db); err != nil {
		t.Fatalf("MigrateDB: %v", err)
	}
	if err := ValidateSchema(s.db); err != nil {
		t.Error(err)
	}
}

func TestRollbackEverything(t *testing.T) {
	s := openTestStore(t)

	for range migrations {
		if err := RollbackMigration(s.db); err != nil {
			t.Fatalf("RollbackMigration: %v", err)
		}
	}
	if err := RollbackMigration(s.db); !errors.Is(err, ErrNoMigrations) {
		t.Errorf("RollbackMigration on empty schema = %v, want ErrNoMigrations", err)
	}
	if err := ValidateSchema(s.db); err == nil {
		t.Error("expected missing tables")
	}
}

func TestSchema(t *testing.T) {
	s := openTestStore(t)

	status, err := s.Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("current %d, latest %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("pending migrations: %d", len(status.Pending))
	}
}
