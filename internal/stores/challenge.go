// Package stores holds the Redis-backed record store for one-time-code
// challenges. Records are binary-encoded with a version prefix; mutation
// paths use WATCH transactions so concurrent callers cannot double-count
// or double-consume.
package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeKeyPrefix     = "idch"
	challengeRecordVersion = 1
)

var (
	// ErrChallengeNotFound indicates no record exists for the key.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeBackend indicates Redis is unreachable or returned garbage.
	ErrChallengeBackend = errors.New("challenge backend unavailable")
)

// ChallengeRecord is one stored OTP challenge. Only the code hash is
// persisted; the raw code exists solely in the issuing call's return value.
type ChallengeRecord struct {
	Owner       string
	Purpose     uint8
	Correlation string
	CodeHash    [32]byte
	RequestIP   string
	IssuedAt    int64
	ExpiresAt   int64
	LockedUntil int64
	Attempts    uint16
}

// ChallengeStore reads and writes challenge records in Redis. One key per
// (purpose, owner): writing a new record atomically replaces, and thereby
// revokes, any prior active challenge for that pair.
type ChallengeStore struct {
	redis redis.UniversalClient
}

// NewChallengeStore creates a store backed by the given Redis client.
func NewChallengeStore(redisClient redis.UniversalClient) *ChallengeStore {
	return &ChallengeStore{redis: redisClient}
}

func (s *ChallengeStore) key(purpose uint8, owner string) string {
	return fmt.Sprintf("%s:%d:%s", challengeKeyPrefix, purpose, owner)
}

// Put persists the record, replacing any existing challenge for the same
// (purpose, owner). The Redis SET is the revoke-then-issue step: there is
// never a moment with two active challenges for one key.
func (s *ChallengeStore) Put(ctx context.Context, record *ChallengeRecord, ttl time.Duration) error {
	encoded, err := encodeChallengeRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(record.Purpose, record.Owner), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Get returns the current challenge for (purpose, owner). Expiry is
// judged by the caller against its clock; the Redis TTL is a backstop.
func (s *ChallengeStore) Get(ctx context.Context, purpose uint8, owner string) (*ChallengeRecord, error) {
	data, err := s.redis.Get(ctx, s.key(purpose, owner)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	return decodeChallengeRecord(data)
}

// Consume deletes the challenge and reports whether this caller won the
// deletion. Two concurrent consumers presenting the same valid code race
// on the DEL; exactly one sees true.
func (s *ChallengeStore) Consume(ctx context.Context, purpose uint8, owner string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(purpose, owner)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return n > 0, nil
}

// Revoke removes any active challenge without consuming it. Missing keys
// are not an error.
func (s *ChallengeStore) Revoke(ctx context.Context, purpose uint8, owner string) error {
	if err := s.redis.Del(ctx, s.key(purpose, owner)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// RecordFailure atomically increments the attempt counter and, when the
// counter reaches maxAttempts, stamps LockedUntil. The record is kept (not
// deleted) so a locked challenge stays locked rather than vanishing and
// permitting a fresh guess window against a reissued key. The re-SET TTL
// is derived from the record timestamps against the caller's now, the
// same clock that judged them, never this process's wall clock.
func (s *ChallengeStore) RecordFailure(ctx context.Context, purpose uint8, owner string, maxAttempts int, lockUntil, now int64) (locked bool, attempts uint16, err error) {
	const maxRetries = 4
	key := s.key(purpose, owner)

	for i := 0; i < maxRetries; i++ {
		locked = false
		attempts = 0

		txErr := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrChallengeNotFound
				}
				return err
			}

			record, err := decodeChallengeRecord(data)
			if err != nil {
				return err
			}

			record.Attempts++
			attempts = record.Attempts
			if int(record.Attempts) >= maxAttempts && record.LockedUntil == 0 {
				record.LockedUntil = lockUntil
				locked = true
			}

			ttl := time.Duration(record.ExpiresAt-now) * time.Second
			if record.LockedUntil > record.ExpiresAt {
				ttl = time.Duration(record.LockedUntil-now) * time.Second
			}
			if ttl <= 0 {
				ttl = time.Second
			}

			encoded, err := encodeChallengeRecord(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		if txErr == nil {
			return locked, attempts, nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			continue
		}
		if errors.Is(txErr, ErrChallengeNotFound) {
			return false, 0, ErrChallengeNotFound
		}
		return false, 0, fmt.Errorf("%w: %v", ErrChallengeBackend, txErr)
	}

	return false, 0, fmt.Errorf("%w: transaction contention", ErrChallengeBackend)
}

func encodeChallengeRecord(record *ChallengeRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(challengeRecordVersion)
	if err := writeString(&buf, record.Owner); err != nil {
		return nil, err
	}
	buf.WriteByte(record.Purpose)
	if err := writeString(&buf, record.Correlation); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])
	if err := writeString(&buf, record.RequestIP); err != nil {
		return nil, err
	}

	fixed := []any{record.IssuedAt, record.ExpiresAt, record.LockedUntil, record.Attempts}
	for _, v := range fixed {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeChallengeRecord(data []byte) (*ChallengeRecord, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil || version != challengeRecordVersion {
		return nil, fmt.Errorf("%w: unknown record version", ErrChallengeBackend)
	}

	record := &ChallengeRecord{}
	if record.Owner, err = readString(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	if record.Purpose, err = r.ReadByte(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	if record.Correlation, err = readString(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	if _, err = io.ReadFull(r, record.CodeHash[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	if record.RequestIP, err = readString(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	for _, v := range []any{&record.IssuedAt, &record.ExpiresAt, &record.LockedUntil, &record.Attempts} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
	}

	return record, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("%w: string field too long", ErrChallengeBackend)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
