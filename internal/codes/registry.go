package codes

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/fuomag9/linkrelay/internal/models"
	"github.com/fuomag9/linkrelay/internal/store"
)

const (
	// Alphabet leaves out 0/O and 1/I so codes survive being read aloud or retyped
	Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

	// Length of an issued code
	Length = 6
)

// Registry issues and redeems one-time linking codes
type Registry struct {
	store store.CodeStore
	now   func() time.Time
}

// NewRegistry creates a registry on top of a code store
func NewRegistry(s store.CodeStore) *Registry {
	return &Registry{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the registry's time source
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Issue generates a code for chatID valid for ttl. A colliding live code is overwritten.
func (r *Registry) Issue(ctx context.Context, chatID int64, ttl time.Duration) (models.LinkingCode, error) {
	value, err := Generate(Length)
	if err != nil {
		return models.LinkingCode{}, err
	}

	now := r.now()
	code := models.LinkingCode{
		Code:      value,
		ChatID:    chatID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := r.store.SaveCode(ctx, code); err != nil {
		return models.LinkingCode{}, fmt.Errorf("failed to store linking code: %w", err)
	}
	return code, nil
}

// Redeem consumes code and returns the chat identity it was issued to.
// The code is deleted whether or not it has expired.
func (r *Registry) Redeem(ctx context.Context, code string) (int64, error) {
	code = Normalize(code)
	if code == "" {
		return 0, store.ErrNotFound
	}

	rec, err := r.store.TakeCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if rec.Expired(r.now()) {
		return 0, store.ErrNotFound
	}
	return rec.ChatID, nil
}

// Sweep removes codes whose expiry has passed
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	return r.store.DeleteExpiredCodes(ctx, r.now())
}

// Normalize trims and upper-cases a user-typed code
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Generate returns n characters drawn uniformly from Alphabet
func Generate(n int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		b.WriteByte(Alphabet[idx.Int64()])
	}
	return b.String(), nil
}
