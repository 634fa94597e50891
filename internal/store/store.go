package store

import (
	"context"
	"errors"
	"time"

	"github.com/fuomag9/linkrelay/internal/models"
)

// ErrNotFound is returned when a code or link does not exist
var ErrNotFound = errors.New("store: not found")

// CodeStore holds one-time linking codes.
// TakeCode must look up and delete the code as a single atomic step:
// of any number of concurrent callers for one code, at most one gets it.
type CodeStore interface {
	SaveCode(ctx context.Context, code models.LinkingCode) error
	TakeCode(ctx context.Context, code string) (models.LinkingCode, error)
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// LinkStore holds at most one IdentityLink per chat identity.
// Writes are last-write-wins; UpdateCredentials and SetLastAttempt touch only
// their own fields and return ErrNotFound instead of recreating a deleted link.
type LinkStore interface {
	PutLink(ctx context.Context, link models.IdentityLink) error
	GetLink(ctx context.Context, chatID int64) (models.IdentityLink, error)
	FindLinkByUserID(ctx context.Context, userID string) (models.IdentityLink, error)
	DeleteLink(ctx context.Context, chatID int64) error
	ListLinks(ctx context.Context) ([]models.IdentityLink, error)
	UpdateCredentials(ctx context.Context, chatID int64, creds models.Credentials) error
	SetLastAttempt(ctx context.Context, chatID int64, attemptID string) error
}

// Store is a backend that holds both codes and links
type Store interface {
	CodeStore
	LinkStore
}
