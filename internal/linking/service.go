package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/apperror"
	"github.com/fuomag9/linkrelay/internal/codes"
	"github.com/fuomag9/linkrelay/internal/models"
	"github.com/fuomag9/linkrelay/internal/oauth"
	"github.com/fuomag9/linkrelay/internal/store"
)

const (
	// DefaultCodeTTL is how long an issued linking code stays redeemable
	DefaultCodeTTL = 5 * time.Minute

	EventLinkCreated = "link.created"
	EventLinkDeleted = "link.deleted"
)

// Notifier delivers a message to a chat identity, best effort
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) bool
}

// EventPublisher fans link events out to admin subscribers
type EventPublisher interface {
	Publish(eventType string, payload interface{})
}

// ConfirmRequest is what the web client submits to complete a link
type ConfirmRequest struct {
	Code         string
	UserID       string
	AccessToken  string
	RefreshToken string
	AccessExp    int64 // Unix seconds, 0 when not supplied
}

// LinkSummary is the admin view of a link; it never carries tokens
type LinkSummary struct {
	ChatID    int64  `json:"tgId,string"`
	UserID    string `json:"userId"`
	AccessExp int64  `json:"accessExp"` // Unix milliseconds
}

// Options configures a Service
type Options struct {
	Secret           string
	CodeTTL          time.Duration
	DefaultAccessTTL time.Duration
	Notifier         Notifier
	Events           EventPublisher
	Logger           *zap.Logger
	Now              func() time.Time
}

// Service orchestrates requesting, confirming and removing links
type Service struct {
	secret           Secret
	codes            *codes.Registry
	links            store.LinkStore
	codeTTL          time.Duration
	defaultAccessTTL time.Duration
	notifier         Notifier
	events           EventPublisher
	logger           *zap.Logger
	now              func() time.Time
}

// NewService creates the linking service
func NewService(registry *codes.Registry, links store.LinkStore, opts Options) *Service {
	s := &Service{
		secret:           NewSecret(opts.Secret),
		codes:            registry,
		links:            links,
		codeTTL:          opts.CodeTTL,
		defaultAccessTTL: opts.DefaultAccessTTL,
		notifier:         opts.Notifier,
		events:           opts.Events,
		logger:           opts.Logger,
		now:              opts.Now,
	}
	if s.codeTTL <= 0 {
		s.codeTTL = DefaultCodeTTL
	}
	if s.defaultAccessTTL <= 0 {
		s.defaultAccessTTL = oauth.DefaultAccessTTL
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// CodeTTL returns the validity window of issued codes
func (s *Service) CodeTTL() time.Duration {
	return s.codeTTL
}

// VerifySecret checks the shared secret presented by a collaborator
func (s *Service) VerifySecret(presented string) bool {
	return s.secret.Verify(presented)
}

// RequestLink issues a fresh linking code for chatID
func (s *Service) RequestLink(ctx context.Context, chatID int64) (models.LinkingCode, error) {
	code, err := s.codes.Issue(ctx, chatID, s.codeTTL)
	if err != nil {
		s.logger.Error("failed to issue linking code", zap.Int64("chat_id", chatID), zap.Error(err))
		return models.LinkingCode{}, apperror.Wrap(apperror.Internal, "failed to issue linking code", err)
	}
	s.logger.Info("linking code issued", zap.Int64("chat_id", chatID), zap.Time("expires_at", code.ExpiresAt))
	return code, nil
}

// ConfirmLink redeems a code and stores the link it completes.
// The code is only consumed once the secret and the request are valid.
func (s *Service) ConfirmLink(ctx context.Context, presentedSecret string, req ConfirmRequest) error {
	if !s.VerifySecret(presentedSecret) {
		return apperror.New(apperror.Forbidden, "forbidden")
	}

	req.Code = strings.TrimSpace(req.Code)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Code == "" || req.UserID == "" || req.AccessToken == "" {
		return apperror.New(apperror.BadRequest, "code, userId and access_token are required")
	}

	chatID, err := s.codes.Redeem(ctx, req.Code)
	if errors.Is(err, store.ErrNotFound) {
		return apperror.New(apperror.InvalidOrExpiredCode, "invalid or expired code")
	}
	if err != nil {
		s.logger.Error("failed to redeem linking code", zap.Error(err))
		return apperror.Wrap(apperror.Internal, "internal", err)
	}

	now := s.now()
	link := models.IdentityLink{
		ChatID:          chatID,
		UserID:          req.UserID,
		AccessToken:     req.AccessToken,
		RefreshToken:    req.RefreshToken,
		AccessExpiresAt: s.accessExpiry(req, now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.links.PutLink(ctx, link); err != nil {
		s.logger.Error("failed to store identity link", zap.Int64("chat_id", chatID), zap.Error(err))
		return apperror.Wrap(apperror.Internal, "internal", err)
	}

	s.logger.Info("identity linked", zap.Int64("chat_id", chatID), zap.String("user_id", req.UserID))

	if s.notifier != nil {
		s.notifier.Notify(ctx, chatID, fmt.Sprintf(
			"Account linked successfully (userId=%s). You can now take tests from the bot.", req.UserID))
	}
	s.publish(EventLinkCreated, summarize(link))

	return nil
}

// Unlink removes the link for chatID. Removing a missing link is not an error.
func (s *Service) Unlink(ctx context.Context, chatID int64) error {
	if err := s.links.DeleteLink(ctx, chatID); err != nil {
		return apperror.Wrap(apperror.Internal, "failed to remove link", err)
	}
	s.logger.Info("identity unlinked", zap.Int64("chat_id", chatID))
	s.publish(EventLinkDeleted, map[string]interface{}{"tgId": fmt.Sprint(chatID)})
	return nil
}

// Status returns the link for chatID, or an Unauthenticated error when there is none
func (s *Service) Status(ctx context.Context, chatID int64) (models.IdentityLink, error) {
	link, err := s.links.GetLink(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return models.IdentityLink{}, apperror.New(apperror.Unauthenticated, "account not linked")
	}
	if err != nil {
		return models.IdentityLink{}, apperror.Wrap(apperror.Internal, "failed to load link", err)
	}
	return link, nil
}

// ListLinks returns every current link without credentials
func (s *Service) ListLinks(ctx context.Context) ([]LinkSummary, error) {
	links, err := s.links.ListLinks(ctx)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, "failed to list links", err)
	}
	out := make([]LinkSummary, 0, len(links))
	for _, l := range links {
		out = append(out, summarize(l))
	}
	return out, nil
}

func (s *Service) accessExpiry(req ConfirmRequest, now time.Time) time.Time {
	if req.AccessExp > 0 {
		return time.Unix(req.AccessExp, 0).UTC()
	}
	return oauth.AccessExpiry(req.AccessToken, now.Add(s.defaultAccessTTL))
}

func (s *Service) publish(eventType string, payload interface{}) {
	if s.events != nil {
		s.events.Publish(eventType, payload)
	}
}

func summarize(l models.IdentityLink) LinkSummary {
	var exp int64
	if !l.AccessExpiresAt.IsZero() {
		exp = l.AccessExpiresAt.UnixMilli()
	}
	return LinkSummary{ChatID: l.ChatID, UserID: l.UserID, AccessExp: exp}
}
