//go:build integration
// +build integration

package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/testutil"
)

var sharedDB *testutil.TestDBContainer

func TestMain(m *testing.M) {
	var cleanup func()
	var err error
	sharedDB, cleanup, err = testutil.SetupTestDBForMain()
	if err != nil {
		log.Fatalf("starting test database: %v", err)
	}
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupIntegrationTest returns a Store on the shared database with all tables
// emptied for isolation.
func setupIntegrationTest(t *testing.T) *Store {
	t.Helper()
	testutil.CleanTables(t, sharedDB.Pool)
	store, err := NewStore(sharedDB.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewStore() unexpected error: %v", err)
	}
	return store
}

func testSaveInput(repo, subject, fact string) SaveInput {
	return SaveInput{
		Repo:    repo,
		Subject: subject,
		Fact:    fact,
		Citations: []Citation{
			{Path: "internal/db/pool.go", LineStart: 10, LineEnd: 25},
		},
		Reason: "observed in review",
		Actor:  "agent-a",
	}
}

func mustSave(t *testing.T, store *Store, in SaveInput) *Memory {
	t.Helper()
	m, err := store.Save(context.Background(), in)
	if err != nil {
		t.Fatalf("Save(%q/%q) unexpected error: %v", in.Repo, in.Subject, err)
	}
	return m
}

func countRows(t *testing.T, pool *pgxpool.Pool, table string) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

func eventKinds(t *testing.T, store *Store, id uuid.UUID) []EventKind {
	t.Helper()
	events, err := store.Events(context.Background(), id)
	if err != nil {
		t.Fatalf("Events(%s) unexpected error: %v", id, err)
	}
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// setRefreshedAt overwrites refreshed_at directly for ordering tests.
func setRefreshedAt(t *testing.T, pool *pgxpool.Pool, id uuid.UUID, at time.Time) {
	t.Helper()
	if _, err := pool.Exec(context.Background(),
		`UPDATE memories SET refreshed_at = $1 WHERE id = $2`, at, id); err != nil {
		t.Fatalf("setting refreshed_at for %s: %v", id, err)
	}
}

func TestSaveCreate(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	m := mustSave(t, store, testSaveInput("acme/api", "error handling", "handlers wrap errors with request IDs"))

	if m.ID == uuid.Nil {
		t.Error("Save() returned zero ID")
	}
	if m.Tenant != DefaultTenant {
		t.Errorf("Tenant = %q, want %q", m.Tenant, DefaultTenant)
	}
	if m.Status != StatusActive {
		t.Errorf("Status = %q, want %q", m.Status, StatusActive)
	}
	if len(m.Citations) != 1 || m.Citations[0].Path != "internal/db/pool.go" {
		t.Errorf("Citations = %+v", m.Citations)
	}
	if m.CreatedBy != "agent-a" {
		t.Errorf("CreatedBy = %q, want %q", m.CreatedBy, "agent-a")
	}

	got, err := store.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.Fact != m.Fact {
		t.Errorf("Get() Fact = %q, want %q", got.Fact, m.Fact)
	}

	kinds := eventKinds(t, store, m.ID)
	if len(kinds) != 1 || kinds[0] != EventCreated {
		t.Errorf("event kinds = %v, want [created]", kinds)
	}
}

func TestSaveUpsert(t *testing.T) {
	store := setupIntegrationTest(t)

	in := testSaveInput("acme/api", "error handling", "handlers wrap errors with request IDs")
	first := mustSave(t, store, in)
	setRefreshedAt(t, sharedDB.Pool, first.ID, time.Now().UTC().Add(-time.Hour))
	first.RefreshedAt = first.RefreshedAt.Add(-time.Hour)

	// Same tuple again with different citations refreshes in place.
	in.Citations = []Citation{
		{Path: "internal/api/errors.go", LineStart: 5, LineEnd: 40},
		{Path: "internal/api/middleware.go", LineStart: 1, LineEnd: 12},
	}
	in.Reason = "confirmed after refactor"
	second := mustSave(t, store, in)

	if second.ID != first.ID {
		t.Errorf("upsert created new row: %s vs %s", second.ID, first.ID)
	}
	if n := countRows(t, sharedDB.Pool, "memories"); n != 1 {
		t.Errorf("memories row count = %d, want 1", n)
	}
	if len(second.Citations) != 2 || second.Citations[0].Path != "internal/api/errors.go" {
		t.Errorf("citations not replaced: %+v", second.Citations)
	}
	if second.Reason != "confirmed after refactor" {
		t.Errorf("Reason = %q", second.Reason)
	}
	if !second.RefreshedAt.After(first.RefreshedAt) {
		t.Errorf("RefreshedAt not bumped: %v vs %v", second.RefreshedAt, first.RefreshedAt)
	}

	kinds := eventKinds(t, store, first.ID)
	if len(kinds) != 2 || kinds[0] != EventCreated || kinds[1] != EventRefreshed {
		t.Errorf("event kinds = %v, want [created refreshed]", kinds)
	}
}

func TestSaveUpsertKeepsReasonWhenEmpty(t *testing.T) {
	store := setupIntegrationTest(t)

	in := testSaveInput("acme/api", "config", "configuration loads from MEMSTORE_ env vars")
	mustSave(t, store, in)

	in.Reason = ""
	m := mustSave(t, store, in)
	if m.Reason != "observed in review" {
		t.Errorf("empty reason overwrote original: %q", m.Reason)
	}
}

func TestSaveSameTupleDifferentTenants(t *testing.T) {
	store := setupIntegrationTest(t)

	in := testSaveInput("acme/api", "logging", "use structured logging")
	in.Tenant = "team-a"
	a := mustSave(t, store, in)
	in.Tenant = "team-b"
	b := mustSave(t, store, in)

	if a.ID == b.ID {
		t.Error("distinct tenants should get distinct rows")
	}
	if n := countRows(t, sharedDB.Pool, "memories"); n != 2 {
		t.Errorf("memories row count = %d, want 2", n)
	}
}

func TestGetNotFound(t *testing.T) {
	store := setupIntegrationTest(t)
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestGetRecent(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	oldMem := mustSave(t, store, testSaveInput("acme/api", "subject-old", "older fact"))
	newMem := mustSave(t, store, testSaveInput("acme/api", "subject-new", "newer fact"))
	otherRepo := mustSave(t, store, testSaveInput("acme/web", "subject-web", "different repo"))
	setRefreshedAt(t, sharedDB.Pool, oldMem.ID, base)
	setRefreshedAt(t, sharedDB.Pool, newMem.ID, base.Add(10*time.Minute))
	setRefreshedAt(t, sharedDB.Pool, otherRepo.ID, base.Add(20*time.Minute))

	got, err := store.GetRecent(ctx, "", "acme/api", 10)
	if err != nil {
		t.Fatalf("GetRecent() unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetRecent() returned %d memories, want 2", len(got))
	}
	if got[0].ID != newMem.ID || got[1].ID != oldMem.ID {
		t.Errorf("GetRecent() order = [%s %s], want newest first", got[0].ID, got[1].ID)
	}

	// Limit applies after ordering.
	got, err = store.GetRecent(ctx, "", "acme/api", 1)
	if err != nil {
		t.Fatalf("GetRecent(limit=1) unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != newMem.ID {
		t.Errorf("GetRecent(limit=1) = %v", got)
	}

	// Empty repo is an empty result, not an error.
	got, err = store.GetRecent(ctx, "", "", 10)
	if err != nil || len(got) != 0 {
		t.Errorf("GetRecent(empty repo) = %v, %v", got, err)
	}
}

func TestGetRecentMergesDefaultTenant(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	shared := mustSave(t, store, testSaveInput("acme/api", "shared convention", "applies to everyone"))

	in := testSaveInput("acme/api", "team convention", "applies to team-a only")
	in.Tenant = "team-a"
	private := mustSave(t, store, in)

	got, err := store.GetRecent(ctx, "team-a", "acme/api", 10)
	if err != nil {
		t.Fatalf("GetRecent() unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetRecent(team-a) returned %d memories, want shared + private", len(got))
	}

	// A different tenant sees the shared row only.
	got, err = store.GetRecent(ctx, "team-b", "acme/api", 10)
	if err != nil {
		t.Fatalf("GetRecent() unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != shared.ID {
		t.Errorf("GetRecent(team-b) = %v, want only %s", got, shared.ID)
	}
	_ = private
}

func TestGetRecentExcludesTerminal(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	active := mustSave(t, store, testSaveInput("acme/api", "stays", "still true"))
	retired := mustSave(t, store, testSaveInput("acme/api", "goes", "turned out wrong"))

	if _, err := store.Invalidate(ctx, retired.ID, "wrong", "agent-a", ""); err != nil {
		t.Fatalf("Invalidate() unexpected error: %v", err)
	}

	got, err := store.GetRecent(ctx, "", "acme/api", 10)
	if err != nil {
		t.Fatalf("GetRecent() unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("GetRecent() = %v, want only active %s", got, active.ID)
	}
}

func TestSearchByPath(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	in := testSaveInput("acme/api", "pool sizing", "pool max is tuned for pgbouncer")
	in.Citations = []Citation{
		{Path: "internal/db/pool.go", LineStart: 10, LineEnd: 25},
		{Path: "internal/config/config.go", LineStart: 3, LineEnd: 9},
	}
	hit := mustSave(t, store, in)
	mustSave(t, store, testSaveInput("acme/api", "unrelated", "cites a different file"))

	got, err := store.SearchByPath(ctx, "", "acme/api", "internal/config/config.go", 10)
	if err != nil {
		t.Fatalf("SearchByPath() unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != hit.ID {
		t.Errorf("SearchByPath() = %v, want only %s", got, hit.ID)
	}

	// Matching is exact, not prefix.
	got, err = store.SearchByPath(ctx, "", "acme/api", "internal/config", 10)
	if err != nil {
		t.Fatalf("SearchByPath() unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("SearchByPath(prefix) = %v, want empty", got)
	}

	got, err = store.SearchByPath(ctx, "", "acme/api", "", 10)
	if err != nil || len(got) != 0 {
		t.Errorf("SearchByPath(empty path) = %v, %v", got, err)
	}
}

func TestRefresh(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	m := mustSave(t, store, testSaveInput("acme/api", "refresh target", "still holds"))
	setRefreshedAt(t, sharedDB.Pool, m.ID, time.Now().UTC().Add(-time.Hour))

	ok, err := store.Refresh(ctx, m.ID, RefreshInput{Actor: "agent-b"})
	if err != nil {
		t.Fatalf("Refresh() unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("Refresh() = false, want true")
	}

	got, err := store.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if !got.RefreshedAt.After(time.Now().UTC().Add(-time.Minute)) {
		t.Errorf("RefreshedAt not bumped: %v", got.RefreshedAt)
	}
	// Nil citations leave the stored ones untouched.
	if len(got.Citations) != 1 || got.Citations[0].Path != "internal/db/pool.go" {
		t.Errorf("Citations changed on citation-less refresh: %+v", got.Citations)
	}

	kinds := eventKinds(t, store, m.ID)
	if len(kinds) != 2 || kinds[1] != EventRefreshed {
		t.Errorf("event kinds = %v, want refreshed appended", kinds)
	}
}

func TestRefreshReplacesCitations(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	m := mustSave(t, store, testSaveInput("acme/api", "refresh target", "still holds"))

	ok, err := store.Refresh(ctx, m.ID, RefreshInput{
		Citations: []Citation{{Path: "cmd/serve.go", LineStart: 1, LineEnd: 5}},
		Reason:    "code moved",
	})
	if err != nil || !ok {
		t.Fatalf("Refresh() = %v, %v", ok, err)
	}

	got, err := store.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if len(got.Citations) != 1 || got.Citations[0].Path != "cmd/serve.go" {
		t.Errorf("Citations = %+v, want replaced", got.Citations)
	}
	if got.Reason != "code moved" {
		t.Errorf("Reason = %q, want %q", got.Reason, "code moved")
	}
}

func TestRefreshTerminal(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	m := mustSave(t, store, testSaveInput("acme/api", "doomed", "was wrong"))
	if _, err := store.Invalidate(ctx, m.ID, "wrong", "agent-a", ""); err != nil {
		t.Fatalf("Invalidate() unexpected error: %v", err)
	}

	before := len(eventKinds(t, store, m.ID))
	ok, err := store.Refresh(ctx, m.ID, RefreshInput{Actor: "agent-b"})
	if err != nil {
		t.Fatalf("Refresh(terminal) unexpected error: %v", err)
	}
	if ok {
		t.Error("Refresh(terminal) = true, want false")
	}
	if after := len(eventKinds(t, store, m.ID)); after != before {
		t.Errorf("Refresh(terminal) wrote events: %d -> %d", before, after)
	}

	if _, err := store.Refresh(ctx, uuid.New(), RefreshInput{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Refresh(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestInvalidate(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	m := mustSave(t, store, testSaveInput("acme/api", "invalid target", "turned out wrong"))

	ok, err := store.Invalidate(ctx, m.ID, "contradicted by new code", "agent-a", "sess-1")
	if err != nil || !ok {
		t.Fatalf("Invalidate() = %v, %v", ok, err)
	}

	got, err := store.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.Status != StatusInvalid {
		t.Errorf("Status = %q, want %q", got.Status, StatusInvalid)
	}

	events, err := store.Events(ctx, m.ID)
	if err != nil {
		t.Fatalf("Events() unexpected error: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != EventVerifiedInvalid {
		t.Errorf("last event kind = %q, want %q", last.Kind, EventVerifiedInvalid)
	}
	payload, okType := last.Payload.(*VerificationPayload)
	if !okType || payload.Valid || payload.Reason != "contradicted by new code" {
		t.Errorf("payload = %+v", last.Payload)
	}

	// Second invalidation is a no-op, not an error, and writes nothing.
	before := len(events)
	ok, err = store.Invalidate(ctx, m.ID, "again", "agent-b", "")
	if err != nil {
		t.Fatalf("Invalidate(again) unexpected error: %v", err)
	}
	if ok {
		t.Error("Invalidate(again) = true, want false")
	}
	if after := len(eventKinds(t, store, m.ID)); after != before {
		t.Errorf("repeat invalidation wrote events: %d -> %d", before, after)
	}

	if _, err := store.Invalidate(ctx, uuid.New(), "", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Invalidate(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSupersede(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	old := mustSave(t, store, testSaveInput("acme/api", "timeout policy", "requests time out after 10s"))

	replacement, err := store.Supersede(ctx, old.ID, SupersedeInput{
		Fact:   "requests time out after 30s",
		Reason: "limit raised in v2",
		Actor:  "agent-b",
	})
	if err != nil {
		t.Fatalf("Supersede() unexpected error: %v", err)
	}

	if replacement.Status != StatusActive {
		t.Errorf("replacement Status = %q, want active", replacement.Status)
	}
	if replacement.SupersedesID == nil || *replacement.SupersedesID != old.ID {
		t.Errorf("replacement SupersedesID = %v, want %s", replacement.SupersedesID, old.ID)
	}
	if replacement.Tenant != old.Tenant || replacement.Repo != old.Repo || replacement.Subject != old.Subject {
		t.Errorf("replacement scope changed: %+v", replacement)
	}
	// Nil citations inherit from the retired memory.
	if len(replacement.Citations) != 1 || replacement.Citations[0].Path != old.Citations[0].Path {
		t.Errorf("replacement Citations = %+v, want inherited", replacement.Citations)
	}

	retired, err := store.Get(ctx, old.ID)
	if err != nil {
		t.Fatalf("Get(old) unexpected error: %v", err)
	}
	if retired.Status != StatusSuperseded {
		t.Errorf("old Status = %q, want superseded", retired.Status)
	}
	if retired.SupersededByID == nil || *retired.SupersededByID != replacement.ID {
		t.Errorf("old SupersededByID = %v, want %s", retired.SupersededByID, replacement.ID)
	}

	oldKinds := eventKinds(t, store, old.ID)
	if oldKinds[len(oldKinds)-1] != EventSuperseded {
		t.Errorf("old event kinds = %v, want superseded last", oldKinds)
	}
	newKinds := eventKinds(t, store, replacement.ID)
	if len(newKinds) != 1 || newKinds[0] != EventCorrected {
		t.Errorf("replacement event kinds = %v, want [corrected]", newKinds)
	}

	// A second supersession of the retired row loses, and its replacement
	// insert rolls back with the transaction.
	if _, err := store.Supersede(ctx, old.ID, SupersedeInput{Fact: "third version"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Supersede(terminal) error = %v, want ErrNotFound", err)
	}
	if n := countRows(t, sharedDB.Pool, "memories"); n != 2 {
		t.Errorf("memories row count = %d after losing supersession, want 2", n)
	}
}

func TestSupersedeInheritsReason(t *testing.T) {
	store := setupIntegrationTest(t)

	old := mustSave(t, store, testSaveInput("acme/api", "retention", "events kept 90 days"))
	replacement, err := store.Supersede(context.Background(), old.ID, SupersedeInput{
		Fact: "events kept 30 days",
	})
	if err != nil {
		t.Fatalf("Supersede() unexpected error: %v", err)
	}
	if replacement.Reason != old.Reason {
		t.Errorf("Reason = %q, want inherited %q", replacement.Reason, old.Reason)
	}
}

func TestSupersedeCollidingActiveTuple(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	// Two active memories sharing a subject with different facts.
	existing := mustSave(t, store, testSaveInput("acme/api", "shutdown", "shutdown drains within 30s"))
	target := mustSave(t, store, testSaveInput("acme/api", "shutdown", "shutdown drains within 10s"))

	// The replacement would claim the tuple the other active row holds.
	_, err := store.Supersede(ctx, target.ID, SupersedeInput{Fact: existing.Fact})
	if !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("Supersede(colliding fact) error = %v, want ErrConstraintViolation", err)
	}

	// The whole transaction rolled back: target stays active and untouched.
	got, err := store.Get(ctx, target.ID)
	if err != nil {
		t.Fatalf("Get(target) unexpected error: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("target Status = %q after failed supersession, want active", got.Status)
	}
	if got.SupersededByID != nil {
		t.Errorf("target SupersededByID = %v, want nil", got.SupersededByID)
	}
	if n := countRows(t, sharedDB.Pool, "memories"); n != 2 {
		t.Errorf("memories row count = %d, want 2", n)
	}
}

func TestSupersedeConcurrent(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	// The retire UPDATE is guarded on status, so of two racing supersessions
	// exactly one wins; the loser's replacement insert rolls back.
	for iter := 0; iter < 5; iter++ {
		testutil.CleanTables(t, sharedDB.Pool)
		old := mustSave(t, store, testSaveInput("acme/api", "raced", "original fact"))

		results := make(chan error, 2)
		replacements := make(chan uuid.UUID, 2)
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			go func(n int) {
				<-start
				m, err := store.Supersede(ctx, old.ID, SupersedeInput{
					Fact:  fmt.Sprintf("corrected fact %d", n),
					Actor: fmt.Sprintf("agent-%d", n),
				})
				if err == nil {
					replacements <- m.ID
				}
				results <- err
			}(i)
		}
		close(start)

		var wins, losses int
		for i := 0; i < 2; i++ {
			switch err := <-results; {
			case err == nil:
				wins++
			case errors.Is(err, ErrNotFound):
				losses++
			default:
				t.Fatalf("iter %d: Supersede() unexpected error: %v", iter, err)
			}
		}
		if wins != 1 || losses != 1 {
			t.Fatalf("iter %d: wins = %d losses = %d, want exactly one of each", iter, wins, losses)
		}
		winner := <-replacements

		// The loser's insert rolled back: one retired row, one replacement.
		if n := countRows(t, sharedDB.Pool, "memories"); n != 2 {
			t.Errorf("iter %d: memories row count = %d, want 2", iter, n)
		}

		retired, err := store.Get(ctx, old.ID)
		if err != nil {
			t.Fatalf("iter %d: Get(old) unexpected error: %v", iter, err)
		}
		if retired.Status != StatusSuperseded {
			t.Errorf("iter %d: old Status = %q, want superseded", iter, retired.Status)
		}
		if retired.SupersededByID == nil || *retired.SupersededByID != winner {
			t.Errorf("iter %d: old SupersededByID = %v, want winner %s", iter, retired.SupersededByID, winner)
		}

		replacement, err := store.Get(ctx, winner)
		if err != nil {
			t.Fatalf("iter %d: Get(winner) unexpected error: %v", iter, err)
		}
		if replacement.Status != StatusActive {
			t.Errorf("iter %d: replacement Status = %q, want active", iter, replacement.Status)
		}
		if replacement.SupersedesID == nil || *replacement.SupersedesID != old.ID {
			t.Errorf("iter %d: replacement SupersedesID = %v, want %s", iter, replacement.SupersedesID, old.ID)
		}
	}
}

func TestSupersedeUnknown(t *testing.T) {
	store := setupIntegrationTest(t)
	if _, err := store.Supersede(context.Background(), uuid.New(), SupersedeInput{Fact: "anything"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Supersede(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestLogApplied(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	m := mustSave(t, store, testSaveInput("acme/api", "applied target", "used somewhere"))

	if err := store.LogApplied(ctx, m.ID, "used in PR 42", "agent-a", "sess-1"); err != nil {
		t.Fatalf("LogApplied() unexpected error: %v", err)
	}

	events, err := store.Events(ctx, m.ID)
	if err != nil {
		t.Fatalf("Events() unexpected error: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != EventApplied {
		t.Errorf("last event kind = %q, want applied", last.Kind)
	}
	if p, okType := last.Payload.(*ApplicationPayload); !okType || p.Note != "used in PR 42" {
		t.Errorf("payload = %+v", last.Payload)
	}

	// Terminal memories still accept application logs.
	if _, err := store.Invalidate(ctx, m.ID, "wrong", "agent-a", ""); err != nil {
		t.Fatalf("Invalidate() unexpected error: %v", err)
	}
	if err := store.LogApplied(ctx, m.ID, "used stale advice", "agent-b", ""); err != nil {
		t.Errorf("LogApplied(terminal) unexpected error: %v", err)
	}

	if err := store.LogApplied(ctx, uuid.New(), "", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("LogApplied(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRecordVerification(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	m := mustSave(t, store, testSaveInput("acme/api", "verify target", "citations still resolve"))

	ok, err := store.RecordVerification(ctx, m.ID, VerificationInput{
		Valid:      true,
		ValidCount: 1,
		Ref:        "main",
		Actor:      "verifier",
		Took:       120 * time.Millisecond,
	})
	if err != nil || !ok {
		t.Fatalf("RecordVerification() = %v, %v", ok, err)
	}

	got, err := store.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.VerificationCount != 1 {
		t.Errorf("VerificationCount = %d, want 1", got.VerificationCount)
	}
	if got.LastVerifiedAt == nil {
		t.Error("LastVerifiedAt not set")
	}
	if got.LastVerifiedBy != "verifier" {
		t.Errorf("LastVerifiedBy = %q, want %q", got.LastVerifiedBy, "verifier")
	}

	events, err := store.Events(ctx, m.ID)
	if err != nil {
		t.Fatalf("Events() unexpected error: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != EventVerifiedValid {
		t.Errorf("last event kind = %q, want verified_valid", last.Kind)
	}
	if last.Duration != 120*time.Millisecond {
		t.Errorf("Duration = %v, want 120ms", last.Duration)
	}

	// Terminal memories drop verification results.
	if _, err := store.Invalidate(ctx, m.ID, "wrong", "agent-a", ""); err != nil {
		t.Fatalf("Invalidate() unexpected error: %v", err)
	}
	ok, err = store.RecordVerification(ctx, m.ID, VerificationInput{Valid: true})
	if err != nil {
		t.Fatalf("RecordVerification(terminal) unexpected error: %v", err)
	}
	if ok {
		t.Error("RecordVerification(terminal) = true, want false")
	}

	if _, err := store.RecordVerification(ctx, uuid.New(), VerificationInput{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordVerification(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	a := mustSave(t, store, testSaveInput("acme/api", "stat-a", "fact a"))
	b := mustSave(t, store, testSaveInput("acme/api", "stat-b", "fact b"))
	mustSave(t, store, testSaveInput("acme/api", "stat-c", "fact c"))
	mustSave(t, store, testSaveInput("acme/web", "stat-d", "other repo"))

	if _, err := store.RecordVerification(ctx, a.ID, VerificationInput{Valid: true}); err != nil {
		t.Fatalf("RecordVerification() unexpected error: %v", err)
	}
	if _, err := store.RecordVerification(ctx, a.ID, VerificationInput{Valid: true}); err != nil {
		t.Fatalf("RecordVerification() unexpected error: %v", err)
	}
	if _, err := store.Invalidate(ctx, b.ID, "wrong", "agent", ""); err != nil {
		t.Fatalf("Invalidate() unexpected error: %v", err)
	}

	st, err := store.Stats(ctx, "", "acme/api")
	if err != nil {
		t.Fatalf("Stats() unexpected error: %v", err)
	}
	if st.Tenant != DefaultTenant || st.Repo != "acme/api" {
		t.Errorf("scope = %s/%s", st.Tenant, st.Repo)
	}
	if st.Active != 2 || st.Superseded != 0 || st.Invalid != 1 {
		t.Errorf("counts = active %d superseded %d invalid %d", st.Active, st.Superseded, st.Invalid)
	}
	// Two verifications across three rows.
	want := 2.0 / 3.0
	if diff := st.AvgVerifications - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("AvgVerifications = %f, want %f", st.AvgVerifications, want)
	}

	empty, err := store.Stats(ctx, "", "acme/none")
	if err != nil {
		t.Fatalf("Stats(empty) unexpected error: %v", err)
	}
	if empty.Active != 0 || empty.AvgVerifications != 0 {
		t.Errorf("empty scope stats = %+v", empty)
	}
}

func TestStaleActive(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	never := mustSave(t, store, testSaveInput("acme/api", "never verified", "fact"))
	stale := mustSave(t, store, testSaveInput("acme/api", "stale", "fact"))
	fresh := mustSave(t, store, testSaveInput("acme/api", "fresh", "fact"))

	if _, err := sharedDB.Pool.Exec(ctx,
		`UPDATE memories SET last_verified_at = now() - interval '3 days' WHERE id = $1`, stale.ID); err != nil {
		t.Fatalf("backdating verification: %v", err)
	}
	if _, err := store.RecordVerification(ctx, fresh.ID, VerificationInput{Valid: true}); err != nil {
		t.Fatalf("RecordVerification() unexpected error: %v", err)
	}

	got, err := store.StaleActive(ctx, time.Now().UTC().Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("StaleActive() unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("StaleActive() returned %d memories, want 2", len(got))
	}
	// Never-verified rows sort before stale ones.
	if got[0].ID != never.ID || got[1].ID != stale.ID {
		t.Errorf("StaleActive() order = [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestRecordRetrieved(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	a := mustSave(t, store, testSaveInput("acme/api", "retrieved-a", "fact a"))
	b := mustSave(t, store, testSaveInput("acme/api", "retrieved-b", "fact b"))

	if err := store.RecordRetrieved(ctx, []uuid.UUID{a.ID, b.ID}, "recent:acme/api", "agent-a", "sess-1"); err != nil {
		t.Fatalf("RecordRetrieved() unexpected error: %v", err)
	}

	events, err := store.Events(ctx, b.ID)
	if err != nil {
		t.Fatalf("Events() unexpected error: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != EventRetrieved {
		t.Errorf("last event kind = %q, want retrieved", last.Kind)
	}
	p, okType := last.Payload.(*RetrievalPayload)
	if !okType || p.Query != "recent:acme/api" || p.Rank != 2 {
		t.Errorf("payload = %+v, want rank 2", last.Payload)
	}
	if last.Actor != "agent-a" || last.SessionID != "sess-1" {
		t.Errorf("actor/session = %q/%q", last.Actor, last.SessionID)
	}

	if err := store.RecordRetrieved(ctx, nil, "q", "", ""); err != nil {
		t.Errorf("RecordRetrieved(empty) unexpected error: %v", err)
	}
}

func TestEventsOrdering(t *testing.T) {
	store := setupIntegrationTest(t)
	ctx := context.Background()

	m := mustSave(t, store, testSaveInput("acme/api", "history", "accumulates events"))
	if ok, err := store.Refresh(ctx, m.ID, RefreshInput{Actor: "agent-a"}); err != nil || !ok {
		t.Fatalf("Refresh() = %v, %v", ok, err)
	}
	if err := store.LogApplied(ctx, m.ID, "note", "agent-a", ""); err != nil {
		t.Fatalf("LogApplied() unexpected error: %v", err)
	}

	kinds := eventKinds(t, store, m.ID)
	want := []EventKind{EventCreated, EventRefreshed, EventApplied}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}

	// Unknown memories have empty histories, not errors.
	events, err := store.Events(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Events(unknown) unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Events(unknown) = %v, want empty", events)
	}
}
