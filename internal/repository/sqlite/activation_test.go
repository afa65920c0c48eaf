package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/model"
)

func TestSaveActivation_InsertThenOverwrite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	acct := createTestAccount(t, db, 1, "octocat")

	first := &model.ActivatedRepo{AccountID: acct.ID, RepoFullName: "octocat/hello", WebhookID: 100, Active: true}
	if err := db.SaveActivation(ctx, first); err != nil {
		t.Fatalf("SaveActivation() error = %v", err)
	}
	if first.ID == "" {
		t.Fatal("SaveActivation() did not set ID")
	}

	if err := db.SetActivationActive(ctx, acct.ID, "octocat/hello", false); err != nil {
		t.Fatalf("SetActivationActive() error = %v", err)
	}

	again := &model.ActivatedRepo{AccountID: acct.ID, RepoFullName: "octocat/hello", WebhookID: 200, Active: true}
	if err := db.SaveActivation(ctx, again); err != nil {
		t.Fatalf("second SaveActivation() error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("re-activation created a new row: %s != %s", again.ID, first.ID)
	}

	got, err := db.GetActivation(ctx, acct.ID, "octocat/hello")
	if err != nil {
		t.Fatalf("GetActivation() error = %v", err)
	}
	if !got.Active || got.WebhookID != 200 {
		t.Errorf("got %+v, want active with webhook 200", got)
	}

	all, _ := db.ListActivationsByAccount(ctx, acct.ID)
	if len(all) != 1 {
		t.Errorf("ListActivationsByAccount() len = %d, want 1", len(all))
	}
}

func TestListActiveByRepo_FiltersInactiveAndOtherRepos(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestAccount(t, db, 1, "a")
	b := createTestAccount(t, db, 2, "b")

	save := func(accountID, repo string, active bool) {
		t.Helper()
		r := &model.ActivatedRepo{AccountID: accountID, RepoFullName: repo, WebhookID: 1, Active: active}
		if err := db.SaveActivation(ctx, r); err != nil {
			t.Fatalf("SaveActivation() error = %v", err)
		}
	}
	save(a.ID, "org/shared", true)
	save(b.ID, "org/shared", false)
	save(a.ID, "org/other", true)

	got, err := db.ListActiveByRepo(ctx, "org/shared")
	if err != nil {
		t.Fatalf("ListActiveByRepo() error = %v", err)
	}
	if len(got) != 1 || got[0].AccountID != a.ID {
		t.Errorf("ListActiveByRepo() = %+v", got)
	}

	none, _ := db.ListActiveByRepo(ctx, "org/unknown")
	if none == nil || len(none) != 0 {
		t.Errorf("ListActiveByRepo(unknown) = %#v, want empty non-nil slice", none)
	}
}

func TestActivation_NotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.GetActivation(ctx, "acct", "x/y"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetActivation() error = %v, want ErrNotFound", err)
	}
	if err := db.SetActivationActive(ctx, "acct", "x/y", false); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("SetActivationActive() error = %v, want ErrNotFound", err)
	}
}

func TestActivation_RepoNameIsCaseInsensitive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	acct := createTestAccount(t, db, 1, "octocat")

	saved := &model.ActivatedRepo{AccountID: acct.ID, RepoFullName: "OctoCat/Hello-World", WebhookID: 100, Active: true}
	if err := db.SaveActivation(ctx, saved); err != nil {
		t.Fatalf("SaveActivation() error = %v", err)
	}

	got, err := db.GetActivation(ctx, acct.ID, "octocat/hello-world")
	if err != nil {
		t.Fatalf("GetActivation() with other casing error = %v", err)
	}
	if got.ID != saved.ID {
		t.Errorf("GetActivation() ID = %s, want %s", got.ID, saved.ID)
	}

	active, err := db.ListActiveByRepo(ctx, "octocat/hello-world")
	if err != nil {
		t.Fatalf("ListActiveByRepo() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("ListActiveByRepo() len = %d, want 1", len(active))
	}

	again := &model.ActivatedRepo{AccountID: acct.ID, RepoFullName: "octocat/hello-world", WebhookID: 200, Active: true}
	if err := db.SaveActivation(ctx, again); err != nil {
		t.Fatalf("second SaveActivation() error = %v", err)
	}
	if again.ID != saved.ID {
		t.Errorf("differently cased name created a second row: %s != %s", again.ID, saved.ID)
	}

	if err := db.SetActivationActive(ctx, acct.ID, "OCTOCAT/HELLO-WORLD", false); err != nil {
		t.Errorf("SetActivationActive() with other casing error = %v", err)
	}
}
