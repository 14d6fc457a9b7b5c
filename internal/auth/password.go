package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// Hasher wraps a slow, salted hash. Verify must compare in constant time.
type Hasher interface {
	Hash(ctx context.Context, secret string) (string, error)
	Verify(ctx context.Context, hash, secret string) (bool, error)
}

// BcryptHasher runs bcrypt on a bounded pool so CPU-bound hashing cannot
// starve request goroutines doing I/O.
type BcryptHasher struct {
	cost int
	sem  *semaphore.Weighted
}

// NewBcryptHasher returns a hasher with the given cost and pool size.
// Zero values select bcrypt.DefaultCost and GOMAXPROCS workers.
func NewBcryptHasher(cost, workers int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &BcryptHasher{cost: cost, sem: semaphore.NewWeighted(int64(workers))}
}

// Hash hashes secret with bcrypt.
func (h *BcryptHasher) Hash(ctx context.Context, secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	res := h.run(ctx, func() hashResult {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
		return hashResult{hash: string(hash), err: err}
	})
	return res.hash, res.err
}

// Verify compares secret with a bcrypt hash. A mismatch is (false, nil).
func (h *BcryptHasher) Verify(ctx context.Context, hash, secret string) (bool, error) {
	if hash == "" {
		return false, errors.New("hash is empty")
	}
	res := h.run(ctx, func() hashResult {
		switch err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); {
		case err == nil:
			return hashResult{ok: true}
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return hashResult{}
		default:
			return hashResult{err: err}
		}
	})
	return res.ok, res.err
}

type hashResult struct {
	hash string
	ok   bool
	err  error
}

// run executes fn on the pool. A worker abandoned by an expired context keeps
// its slot until bcrypt returns; its result is only ever read from the channel.
func (h *BcryptHasher) run(ctx context.Context, fn func() hashResult) hashResult {
	if err := ctx.Err(); err != nil {
		return hashResult{err: err}
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return hashResult{err: err}
	}
	done := make(chan hashResult, 1)
	go func() {
		defer h.sem.Release(1)
		done <- fn()
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return hashResult{err: ctx.Err()}
	}
}

// prehashToken condenses a refresh token below bcrypt's 72 byte input limit.
func prehashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
