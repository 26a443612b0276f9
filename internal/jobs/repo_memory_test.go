package jobs

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRepoDuplicateLeavesOriginal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	if err := repo.Create(ctx, Job{JobID: "j1", Query: "first"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, Job{JobID: "j1", Query: "second"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	job, err := repo.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Query != "first" {
		t.Fatalf("duplicate create must not overwrite, got %q", job.Query)
	}
}

func TestMemoryRepoTimestampStamping(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	if err := repo.Create(ctx, Job{JobID: "j1", Query: "q"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.UpdateStatus(ctx, "j1", StatusStarted)
	if err != nil || !ok {
		t.Fatalf("update started: ok=%v err=%v", ok, err)
	}
	job, _ := repo.Get(ctx, "j1")
	if job.StartedAt == nil {
		t.Fatal("started_at not stamped")
	}
	firstStart := *job.StartedAt

	// A second non-terminal transition keeps the original started_at.
	if _, err := repo.UpdateStatus(ctx, "j1", StatusProcessing); err != nil {
		t.Fatalf("update processing: %v", err)
	}
	job, _ = repo.Get(ctx, "j1")
	if job.StartedAt == nil || !job.StartedAt.Equal(firstStart) {
		t.Fatalf("started_at changed on re-transition: %v vs %v", job.StartedAt, firstStart)
	}
	if job.EndedAt != nil {
		t.Fatal("ended_at stamped before terminal status")
	}

	if _, err := repo.UpdateStatus(ctx, "j1", StatusCompleted); err != nil {
		t.Fatalf("update completed: %v", err)
	}
	job, _ = repo.Get(ctx, "j1")
	if job.EndedAt == nil {
		t.Fatal("ended_at not stamped on terminal status")
	}
}

func TestMemoryRepoUpdateStatusMissing(t *testing.T) {
	repo := NewMemoryRepo()
	ok, err := repo.UpdateStatus(context.Background(), "missing", StatusStarted)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok {
		t.Fatal("expected false for missing record")
	}
}

func TestMemoryRepoStoreErrorClearsFilePath(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	if err := repo.Create(ctx, Job{JobID: "j1", Query: "q", FilePath: "uploads/job_j1.pdf"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.StoreError(ctx, "j1", "boom"); err != nil {
		t.Fatalf("store error: %v", err)
	}

	job, _ := repo.Get(ctx, "j1")
	if job.Status != StatusFailed || job.Error != "boom" {
		t.Fatalf("unexpected record: %+v", job)
	}
	if job.FilePath != "" {
		t.Fatalf("file_path should be cleared, got %q", job.FilePath)
	}
}
