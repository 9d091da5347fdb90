package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
)

// fakeSweepStore serves one page of stale memories and records lookups.
type fakeSweepStore struct {
	stale   []*memory.Memory
	listErr error
	cutoffs []time.Time

	records map[uuid.UUID]int
}

func (s *fakeSweepStore) StaleActive(ctx context.Context, olderThan time.Time, limit int) ([]*memory.Memory, error) {
	s.cutoffs = append(s.cutoffs, olderThan)
	if s.listErr != nil {
		return nil, s.listErr
	}
	if len(s.stale) > limit {
		return s.stale[:limit], nil
	}
	return s.stale, nil
}

func (s *fakeSweepStore) Get(ctx context.Context, id uuid.UUID) (*memory.Memory, error) {
	for _, m := range s.stale {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, memory.ErrNotFound
}

func (s *fakeSweepStore) RecordVerification(ctx context.Context, id uuid.UUID, in memory.VerificationInput) (bool, error) {
	if s.records == nil {
		s.records = make(map[uuid.UUID]int)
	}
	s.records[id]++
	return true, nil
}

func TestSweeperRunOnce(t *testing.T) {
	m1 := &memory.Memory{ID: uuid.New(), Repo: "a/b", Subject: "s1",
		Citations: []memory.Citation{{Path: "live.go", LineStart: 1, LineEnd: 1}}}
	m2 := &memory.Memory{ID: uuid.New(), Repo: "a/b", Subject: "s2",
		Citations: []memory.Citation{{Path: "dead.go", LineStart: 1, LineEnd: 1}}}
	store := &fakeSweepStore{stale: []*memory.Memory{m1, m2}}

	fetcher := &fakeFetcher{files: map[string]string{"live.go": "ok\n"}}
	v := newVerifier(t, fetcher, store)
	s := NewSweeper(v, store, SweeperConfig{BatchSize: 10, MaxAge: time.Hour})

	s.runOnce(context.Background())

	if store.records[m1.ID] != 1 || store.records[m2.ID] != 1 {
		t.Errorf("verification records = %v, want one per memory", store.records)
	}
	if len(store.cutoffs) != 1 {
		t.Fatalf("StaleActive calls = %d, want 1", len(store.cutoffs))
	}
	if age := time.Since(store.cutoffs[0]); age < 59*time.Minute || age > 61*time.Minute {
		t.Errorf("cutoff age = %v, want ~1h", age)
	}
}

func TestSweeperRunOnceListError(t *testing.T) {
	store := &fakeSweepStore{listErr: errors.New("pool closed")}
	v := newVerifier(t, &fakeFetcher{}, store)
	s := NewSweeper(v, store, SweeperConfig{})

	// Must log and continue, not panic.
	s.runOnce(context.Background())
}

func TestSweeperRespectsBatchSize(t *testing.T) {
	var stale []*memory.Memory
	for range 5 {
		stale = append(stale, &memory.Memory{ID: uuid.New(), Repo: "a/b",
			Citations: []memory.Citation{{Path: "f.go", LineStart: 1, LineEnd: 1}}})
	}
	store := &fakeSweepStore{stale: stale}
	v := newVerifier(t, &fakeFetcher{files: map[string]string{"f.go": "x\n"}}, store)
	s := NewSweeper(v, store, SweeperConfig{BatchSize: 2})

	s.runOnce(context.Background())

	if len(store.records) != 2 {
		t.Errorf("verified %d memories, want batch size 2", len(store.records))
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	store := &fakeSweepStore{}
	v := newVerifier(t, &fakeFetcher{}, store)
	s := NewSweeper(v, store, SweeperConfig{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
