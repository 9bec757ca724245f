package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T) *ChallengeStore {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewChallengeStore(client)
}

func sampleRecord() *ChallengeRecord {
	now := time.Now().Unix()
	rec := &ChallengeRecord{
		Owner:       "user@example.com",
		Purpose:     2,
		Correlation: "6a7b0c1d",
		RequestIP:   "203.0.113.7",
		IssuedAt:    now,
		ExpiresAt:   now + 600,
	}
	copy(rec.CodeHash[:], []byte("0123456789abcdef0123456789abcdef"))
	return rec
}

func TestPutGetRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := sampleRecord()

	if err := s.Put(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, rec.Purpose, rec.Owner)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if *got != *rec {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.Get(context.Background(), 1, "nobody"); err != ErrChallengeNotFound {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestPutReplacesExisting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := sampleRecord()
	if err := s.Put(ctx, first, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	second := sampleRecord()
	second.Correlation = "fresh"
	if err := s.Put(ctx, second, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, first.Purpose, first.Owner)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Correlation != "fresh" {
		t.Fatalf("expected replacement record, got correlation %q", got.Correlation)
	}
}

func TestConsumeSingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := sampleRecord()

	if err := s.Put(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Consume(ctx, rec.Purpose, rec.Owner)
			if err != nil {
				t.Errorf("Consume failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestRecordFailureCountsAndLocks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := sampleRecord()

	if err := s.Put(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	now := time.Now().Unix()
	lockUntil := now + 15*60

	locked, attempts, err := s.RecordFailure(ctx, rec.Purpose, rec.Owner, 3, lockUntil, now)
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if locked || attempts != 1 {
		t.Fatalf("unexpected first failure state: locked=%v attempts=%d", locked, attempts)
	}

	if _, _, err := s.RecordFailure(ctx, rec.Purpose, rec.Owner, 3, lockUntil, now); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	locked, attempts, err = s.RecordFailure(ctx, rec.Purpose, rec.Owner, 3, lockUntil, now)
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !locked || attempts != 3 {
		t.Fatalf("expected lock at third failure, got locked=%v attempts=%d", locked, attempts)
	}

	got, err := s.Get(ctx, rec.Purpose, rec.Owner)
	if err != nil {
		t.Fatalf("Get after lock failed: %v", err)
	}
	if got.LockedUntil != lockUntil {
		t.Fatalf("expected LockedUntil=%d, got %d", lockUntil, got.LockedUntil)
	}
}

func TestRecordFailureMissingRecord(t *testing.T) {
	s := testStore(t)

	if _, _, err := s.RecordFailure(context.Background(), 1, "nobody", 3, 0, time.Now().Unix()); err != ErrChallengeNotFound {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestRecordFailureTTLFollowsCallerClock(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewChallengeStore(client)
	ctx := context.Background()

	// Caller clock an hour ahead of this process. Judging the record
	// timestamps against the wall clock would collapse the re-SET TTL
	// to the one-second floor and let a locked record expire early.
	now := time.Now().Add(time.Hour).Unix()
	rec := sampleRecord()
	rec.IssuedAt = now
	rec.ExpiresAt = now + 600
	if err := s.Put(ctx, rec, 10*time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	lockUntil := now + 15*60
	locked, _, err := s.RecordFailure(ctx, rec.Purpose, rec.Owner, 1, lockUntil, now)
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !locked {
		t.Fatal("expected lock at first failure with maxAttempts=1")
	}

	ttl := mr.TTL(s.key(rec.Purpose, rec.Owner))
	if ttl < 14*time.Minute || ttl > 15*time.Minute {
		t.Fatalf("expected TTL near the lock window, got %v", ttl)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := sampleRecord()

	if err := s.Put(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Revoke(ctx, rec.Purpose, rec.Owner); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := s.Revoke(ctx, rec.Purpose, rec.Owner); err != nil {
		t.Fatalf("second Revoke failed: %v", err)
	}
	if _, err := s.Get(ctx, rec.Purpose, rec.Owner); err != ErrChallengeNotFound {
		t.Fatalf("expected record gone, got %v", err)
	}
}
