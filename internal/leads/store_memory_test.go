package leads

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestClaimNextEligible_OldestFirst(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	s.Put(Lead{ID: "young", Number: "+1000", Disposition: DispositionNew, CreatedAt: now})
	s.Put(Lead{ID: "old", Number: "+1001", Disposition: DispositionNew, CreatedAt: now.Add(-time.Hour)})

	l, ok, err := s.ClaimNextEligible(context.Background(), "rep-1", now)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if l.ID != "old" {
		t.Fatalf("expected oldest lead first, got %q", l.ID)
	}
	if l.Disposition != DispositionContacted {
		t.Fatalf("expected contacted after claim, got %q", l.Disposition)
	}
	if l.RepID != "rep-1" {
		t.Fatalf("expected claim to assign rep, got %q", l.RepID)
	}
}

func TestClaimNextEligible_SkipsDNCAndForeignLeads(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	s.Put(Lead{ID: "dnc", Disposition: DispositionDNC, CreatedAt: now.Add(-3 * time.Hour)})
	s.Put(Lead{ID: "other-rep", Disposition: DispositionNew, RepID: "rep-2", CreatedAt: now.Add(-2 * time.Hour)})
	s.Put(Lead{ID: "mine", Disposition: DispositionNew, RepID: "rep-1", CreatedAt: now.Add(-time.Hour)})

	l, ok, err := s.ClaimNextEligible(context.Background(), "rep-1", now)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if l.ID != "mine" {
		t.Fatalf("expected own lead, got %q", l.ID)
	}
}

func TestClaimNextEligible_NeverSelectsDNC(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	rng := rand.New(rand.NewSource(42))

	dnc := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("lead-%d", i)
		disp := DispositionNew
		if rng.Intn(2) == 0 {
			disp = DispositionDNC
			dnc[id] = true
		}
		s.Put(Lead{ID: id, Disposition: disp, CreatedAt: now.Add(-time.Duration(rng.Intn(1000)) * time.Minute)})
	}

	for {
		l, ok, err := s.ClaimNextEligible(context.Background(), "rep-1", now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !ok {
			break
		}
		if dnc[l.ID] {
			t.Fatalf("claimed dnc lead %q", l.ID)
		}
	}
}

func TestClaimNextEligible_CallbackDueOnly(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	s.Put(Lead{ID: "cb-lead", Disposition: DispositionCallback, CreatedAt: now.Add(-time.Hour)})
	cb, err := s.ScheduleCallback(context.Background(), "cb-lead", now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if _, ok, _ := s.ClaimNextEligible(context.Background(), "rep-1", now); ok {
		t.Fatalf("callback not due yet; expected no claim")
	}

	l, ok, err := s.ClaimNextEligible(context.Background(), "rep-1", now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("claim after due: ok=%v err=%v", ok, err)
	}
	if l.ID != "cb-lead" {
		t.Fatalf("expected callback lead, got %q", l.ID)
	}
	_ = cb
}

func TestClaimNextEligible_ConcurrentClaimsNeverShareALead(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	for i := 0; i < 50; i++ {
		s.Put(Lead{ID: fmt.Sprintf("lead-%d", i), Disposition: DispositionNew, CreatedAt: now.Add(-time.Duration(i) * time.Minute)})
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(rep int) {
			defer wg.Done()
			for {
				l, ok, err := s.ClaimNextEligible(context.Background(), fmt.Sprintf("rep-%d", rep), now)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[l.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected 50 claims, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("lead %q claimed %d times", id, n)
		}
	}
}

func TestClaimNextEligible_DNCOverridesPendingCallback(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	s.Put(Lead{ID: "l1", Disposition: DispositionCallback, CreatedAt: now.Add(-time.Hour)})
	if _, err := s.ScheduleCallback(context.Background(), "l1", now); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.MarkDNC(context.Background(), "l1"); err != nil {
		t.Fatalf("mark dnc: %v", err)
	}

	// Even long past the callback's due time, the lead stays off the queue.
	if _, ok, _ := s.ClaimNextEligible(context.Background(), "rep-1", now.Add(24*time.Hour)); ok {
		t.Fatalf("claimed a dnc lead via its pending callback")
	}
}

func TestMarkDNC_IdempotentAndOneWay(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Lead{ID: "l1", Disposition: DispositionNew})

	l, err := s.MarkDNC(context.Background(), "l1")
	if err != nil || l.Disposition != DispositionDNC {
		t.Fatalf("mark: %v %+v", err, l)
	}
	if _, err := s.MarkDNC(context.Background(), "l1"); err != nil {
		t.Fatalf("expected idempotent second mark, got %v", err)
	}

	// no conditional update may leave dnc
	if err := s.SetDisposition(context.Background(), "l1", DispositionDNC, DispositionNew); err != ErrConflict {
		t.Fatalf("expected ErrConflict leaving dnc, got %v", err)
	}
	got, _ := s.GetLead(context.Background(), "l1")
	if got.Disposition != DispositionDNC {
		t.Fatalf("dnc must be permanent, got %q", got.Disposition)
	}
}

func TestCompleteCallback_IdempotentAndUnknown(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Lead{ID: "l1", Disposition: DispositionCallback})
	cb, err := s.ScheduleCallback(context.Background(), "l1", time.Now())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	done, err := s.CompleteCallback(context.Background(), cb.ID, time.Now())
	if err != nil || done.Status != CallbackStatusCompleted || done.CompletedAt == nil {
		t.Fatalf("complete: %v %+v", err, done)
	}
	again, err := s.CompleteCallback(context.Background(), cb.ID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Fatalf("second complete must not move completed_at")
	}

	if _, err := s.CompleteCallback(context.Background(), "missing", time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsellTags_SoftRemove(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Lead{ID: "l1", Disposition: DispositionNew})

	tag, err := s.AddUpsellTag(context.Background(), "l1", "warranty")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !tag.Active() {
		t.Fatalf("new tag should be active")
	}

	removed, err := s.RemoveUpsellTag(context.Background(), tag.ID, time.Now())
	if err != nil || removed.RemovedAt == nil {
		t.Fatalf("remove: %v %+v", err, removed)
	}

	// the row survives removal
	tags, err := s.ListUpsellTags(context.Background(), "l1")
	if err != nil || len(tags) != 1 {
		t.Fatalf("list: %v %d", err, len(tags))
	}
	if tags[0].Active() {
		t.Fatalf("expected inactive tag after removal")
	}
}
