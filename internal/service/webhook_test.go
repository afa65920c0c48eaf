package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/dedupe"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository/sqlite"
)

const testWebhookSecret = "webhook-secret"

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type pushOpts struct {
	repo    string
	sha     string
	ref     string
	message string
	deleted bool
}

func pushBody(t *testing.T, o pushOpts) []byte {
	t.Helper()
	if o.repo == "" {
		o.repo = testRepo
	}
	if o.ref == "" {
		o.ref = "refs/heads/main"
	}
	if o.message == "" {
		o.message = "feat: add things"
	}
	body, err := json.Marshal(map[string]any{
		"ref":     o.ref,
		"after":   o.sha,
		"deleted": o.deleted,
		"repository": map[string]any{
			"full_name":      o.repo,
			"default_branch": "main",
		},
		"head_commit": map[string]any{"id": o.sha, "message": o.message},
		"pusher":      map[string]any{"name": "octocat"},
	})
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	return body
}

func pushDelivery(body []byte, hookID int64) Delivery {
	return Delivery{
		Event:      "push",
		DeliveryID: "d-1",
		HookID:     hookID,
		Signature:  signPayload(body, testWebhookSecret),
		Body:       body,
	}
}

type webhookFixture struct {
	db       *sqlite.DB
	ledger   *dedupe.Ledger
	dispatch *fakeDispatcher
	svc      *WebhookService
	account  *model.Account
}

func newWebhookFixture(t *testing.T, autoReadme bool) *webhookFixture {
	t.Helper()
	db := newTestStore(t)
	v := newTestVault(t)

	ledger, err := dedupe.Open(filepath.Join(t.TempDir(), "dedupe.db"), time.Hour, testLogger())
	if err != nil {
		t.Fatalf("dedupe.Open() error = %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	f := &webhookFixture{db: db, ledger: ledger, dispatch: &fakeDispatcher{}}
	f.svc = NewWebhookService(testWebhookSecret, db, db, ledger, f.dispatch, testLogger())
	f.account = seedAccount(t, db, v, 1001, "octocat", autoReadme)
	seedActivation(t, db, f.account.ID, testRepo, 77)
	return f
}

// =========================================================================
// INGEST TESTS
// =========================================================================

func TestIngest_DispatchesActivatedPush(t *testing.T) {
	f := newWebhookFixture(t, true)

	res, err := f.svc.Ingest(context.Background(), pushDelivery(pushBody(t, pushOpts{sha: "abc123"}), 77))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Dispatched) != 1 {
		t.Fatalf("Dispatched = %d, want 1 (reason %q)", len(res.Dispatched), res.Reason)
	}

	jobs := f.dispatch.submitted()
	if len(jobs) != 1 {
		t.Fatalf("submitted = %d, want 1", len(jobs))
	}
	j := jobs[0]
	if j.AccountID != f.account.ID || j.RepoFullName != testRepo || j.CommitSHA != "abc123" || j.Branch != "main" {
		t.Errorf("job = %+v", j)
	}
	if j.AttemptID == "" {
		t.Error("job has no attempt id")
	}

	// Ingest never writes to the activity log; the orchestrator does.
	if got := activityOf(t, f.db, f.account.ID); len(got) != 0 {
		t.Errorf("activity entries = %v, want none", actions(got))
	}
}

func TestIngest_BadSignatureIsRejectedSilently(t *testing.T) {
	f := newWebhookFixture(t, true)
	body := pushBody(t, pushOpts{sha: "abc123"})

	tests := []struct {
		name string
		sig  string
	}{
		{"wrong secret", signPayload(body, "not-the-secret")},
		{"missing", ""},
		{"garbage", "sha256=zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := pushDelivery(body, 77)
			d.Signature = tt.sig
			_, err := f.svc.Ingest(context.Background(), d)
			if !errors.Is(err, ErrSignature) {
				t.Fatalf("Ingest() error = %v, want ErrSignature", err)
			}
		})
	}

	if n := len(f.dispatch.submitted()); n != 0 {
		t.Errorf("submitted = %d, want 0", n)
	}
	if got := activityOf(t, f.db, f.account.ID); len(got) != 0 {
		t.Errorf("activity entries = %v, want none", actions(got))
	}
}

func TestIngest_AutoReadmeDisabled(t *testing.T) {
	f := newWebhookFixture(t, false)

	res, err := f.svc.Ingest(context.Background(), pushDelivery(pushBody(t, pushOpts{sha: "abc123"}), 77))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Dispatched) != 0 || len(f.dispatch.submitted()) != 0 {
		t.Fatal("push dispatched although automatic README is disabled")
	}
	if res.Reason == "" {
		t.Error("Reason is empty")
	}
	if got := activityOf(t, f.db, f.account.ID); len(got) != 0 {
		t.Errorf("activity entries = %v, want none", actions(got))
	}
}

func TestIngest_RedeliveryOfSameCommitIsDeduped(t *testing.T) {
	f := newWebhookFixture(t, true)
	body := pushBody(t, pushOpts{sha: "abc123"})

	for i := 0; i < 3; i++ {
		d := pushDelivery(body, 77)
		d.DeliveryID = "delivery-" + string(rune('a'+i))
		if _, err := f.svc.Ingest(context.Background(), d); err != nil {
			t.Fatalf("Ingest(%d) error = %v", i, err)
		}
	}
	if n := len(f.dispatch.submitted()); n != 1 {
		t.Errorf("submitted = %d, want 1", n)
	}

	// A new commit goes through.
	if _, err := f.svc.Ingest(context.Background(), pushDelivery(pushBody(t, pushOpts{sha: "def456"}), 77)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if n := len(f.dispatch.submitted()); n != 2 {
		t.Errorf("submitted = %d, want 2", n)
	}
}

func TestIngest_IgnoredPushes(t *testing.T) {
	tests := []struct {
		name   string
		opts   pushOpts
		hookID int64
	}{
		{"other branch", pushOpts{sha: "a1", ref: "refs/heads/feature"}, 77},
		{"tag", pushOpts{sha: "a2", ref: "refs/tags/v1.0.0"}, 77},
		{"branch deleted", pushOpts{sha: "0000000000000000000000000000000000000000", deleted: true}, 77},
		{"own commit", pushOpts{sha: "a3", message: "docs: regenerate README " + BotMarker}, 77},
		{"not activated", pushOpts{sha: "a4", repo: "octocat/elsewhere"}, 77},
		{"stale hook", pushOpts{sha: "a5"}, 12345},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, true)
			res, err := f.svc.Ingest(context.Background(), pushDelivery(pushBody(t, tt.opts), tt.hookID))
			if err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}
			if len(res.Dispatched) != 0 || len(f.dispatch.submitted()) != 0 {
				t.Fatal("push was dispatched")
			}
			if res.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestIngest_DeactivatedRepo(t *testing.T) {
	f := newWebhookFixture(t, true)
	if err := f.db.SetActivationActive(context.Background(), f.account.ID, testRepo, false); err != nil {
		t.Fatalf("SetActivationActive() error = %v", err)
	}

	res, err := f.svc.Ingest(context.Background(), pushDelivery(pushBody(t, pushOpts{sha: "abc123"}), 77))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Dispatched) != 0 {
		t.Error("push dispatched for an inactive repository")
	}
}

func TestIngest_PingAndOtherEvents(t *testing.T) {
	f := newWebhookFixture(t, true)

	for _, event := range []string{"ping", "issues"} {
		body := []byte(`{"zen":"Keep it logically awesome."}`)
		res, err := f.svc.Ingest(context.Background(), Delivery{
			Event:     event,
			Signature: signPayload(body, testWebhookSecret),
			Body:      body,
		})
		if err != nil {
			t.Fatalf("Ingest(%s) error = %v", event, err)
		}
		if len(res.Dispatched) != 0 {
			t.Errorf("Ingest(%s) dispatched a job", event)
		}
	}
}

func TestIngest_MalformedPayload(t *testing.T) {
	f := newWebhookFixture(t, true)
	body := []byte(`{"ref": 42`)

	_, err := f.svc.Ingest(context.Background(), Delivery{
		Event:     "push",
		Signature: signPayload(body, testWebhookSecret),
		Body:      body,
	})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("Ingest() error = %v, want ErrValidation", err)
	}
}

func TestIngest_DispatchFailureAllowsRedelivery(t *testing.T) {
	f := newWebhookFixture(t, true)
	body := pushBody(t, pushOpts{sha: "abc123"})

	f.dispatch.err = errors.New("scheduler stopped")
	if _, err := f.svc.Ingest(context.Background(), pushDelivery(body, 77)); err == nil {
		t.Fatal("Ingest() error = nil, want dispatch error")
	}

	f.dispatch.err = nil
	res, err := f.svc.Ingest(context.Background(), pushDelivery(body, 77))
	if err != nil {
		t.Fatalf("Ingest() retry error = %v", err)
	}
	if len(res.Dispatched) != 1 {
		t.Errorf("retry dispatched %d jobs, want 1", len(res.Dispatched))
	}
}

func TestIngest_WithoutHookIDResolvesAllActiveAccounts(t *testing.T) {
	f := newWebhookFixture(t, true)
	other := seedAccount(t, f.db, newTestVault(t), 2002, "hubot", true)
	seedActivation(t, f.db, other.ID, testRepo, 88)

	res, err := f.svc.Ingest(context.Background(), pushDelivery(pushBody(t, pushOpts{sha: "abc123"}), 0))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(res.Dispatched) != 2 {
		t.Errorf("Dispatched = %d, want 2", len(res.Dispatched))
	}
}
