package service

import (
	"context"
	"errors"
	"testing"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository"
)

func TestAttempt_OneTerminalEntry(t *testing.T) {
	db := newTestStore(t)
	svc := NewActivityService(db, db, testLogger())
	account := seedAccount(t, db, newTestVault(t), 1001, "octocat", true)
	ctx := context.Background()

	a, err := svc.Begin(ctx, account.ID, testRepo, "abc123", "att-1")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := a.Succeed(ctx, "done"); err != nil {
		t.Fatalf("Succeed() error = %v", err)
	}
	if err := a.Fail(ctx, "late"); !errors.Is(err, ErrAttemptClosed) {
		t.Errorf("Fail() after Succeed error = %v, want ErrAttemptClosed", err)
	}

	entries := activityOf(t, db, account.ID)
	if len(entries) != 2 {
		t.Fatalf("entries = %v, want STARTED and SUCCESS", actions(entries))
	}
	if entries[0].Status != model.StatusOngoing || entries[1].Status != model.StatusSuccess {
		t.Errorf("statuses = %s, %s", entries[0].Status, entries[1].Status)
	}
}

func TestAttempt_DuplicateIDRejectedByStore(t *testing.T) {
	db := newTestStore(t)
	svc := NewActivityService(db, db, testLogger())
	account := seedAccount(t, db, newTestVault(t), 1001, "octocat", true)
	ctx := context.Background()

	if _, err := svc.Begin(ctx, account.ID, testRepo, "abc123", "att-1"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := svc.Begin(ctx, account.ID, testRepo, "abc123", "att-1"); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("second Begin() error = %v, want ErrConflict", err)
	}
}

func TestRecord_RejectsGenerationActions(t *testing.T) {
	db := newTestStore(t)
	svc := NewActivityService(db, db, testLogger())

	err := svc.Record(context.Background(), model.ActivityLogEntry{
		AccountID: "acc",
		Action:    model.ActionGenerationSuccess,
		Status:    model.StatusSuccess,
	})
	if err == nil {
		t.Fatal("Record() error = nil, want error")
	}
}

func TestRecoverInterrupted(t *testing.T) {
	db := newTestStore(t)
	svc := NewActivityService(db, db, testLogger())
	account := seedAccount(t, db, newTestVault(t), 1001, "octocat", true)
	ctx := context.Background()

	finished, _ := svc.Begin(ctx, account.ID, testRepo, "s1", "att-1")
	if err := finished.Succeed(ctx, "ok"); err != nil {
		t.Fatalf("Succeed() error = %v", err)
	}
	if _, err := svc.Begin(ctx, account.ID, testRepo, "s2", "att-2"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := svc.Begin(ctx, account.ID, "octocat/other", "s3", "att-3"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	n, err := svc.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted() error = %v", err)
	}
	if n != 2 {
		t.Errorf("closed = %d, want 2", n)
	}

	open, err := db.ListUnterminatedAttempts(ctx)
	if err != nil {
		t.Fatalf("ListUnterminatedAttempts() error = %v", err)
	}
	if len(open) != 0 {
		t.Errorf("still open: %d", len(open))
	}

	for _, e := range activityOf(t, db, account.ID) {
		if e.AttemptID == "att-2" && e.Action == model.ActionGenerationFailed {
			if e.Detail != interruptedDetail || e.CommitSHA != "s2" {
				t.Errorf("recovered entry = %+v", e)
			}
		}
	}

	if n, _ := svc.RecoverInterrupted(ctx); n != 0 {
		t.Errorf("second RecoverInterrupted() closed %d, want 0", n)
	}
}

func TestListForAccount(t *testing.T) {
	db := newTestStore(t)
	svc := NewActivityService(db, db, testLogger())
	account := seedAccount(t, db, newTestVault(t), 1001, "octocat", true)
	ctx := context.Background()

	a, _ := svc.Begin(ctx, account.ID, testRepo, "s1", "att-1")
	_ = a.Fail(ctx, "boom")

	entries, err := svc.ListForAccount(ctx, account.ID, repository.ListOptions{})
	if err != nil {
		t.Fatalf("ListForAccount() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Action != model.ActionGenerationFailed {
		t.Errorf("entries = %v, want most recent first", actions(entries))
	}

	if _, err := svc.ListForAccount(ctx, "missing", repository.ListOptions{}); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("ListForAccount(missing) error = %v, want ErrNotFound", err)
	}
}
