package linking

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fuomag9/linkrelay/internal/apperror"
	"github.com/fuomag9/linkrelay/internal/codes"
	"github.com/fuomag9/linkrelay/internal/models"
	"github.com/fuomag9/linkrelay/internal/store"
)

const testSecret = "s3cret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[int64][]string
	deliver  bool
}

func (n *recordingNotifier) Notify(ctx context.Context, chatID int64, text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.messages == nil {
		n.messages = make(map[int64][]string)
	}
	n.messages[chatID] = append(n.messages[chatID], text)
	return n.deliver
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEvents) Publish(eventType string, payload interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	notifier *recordingNotifier
	events   *recordingEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	registry := codes.NewRegistry(s).WithClock(func() time.Time { return testNow })
	f := &fixture{
		store:    s,
		notifier: &recordingNotifier{deliver: true},
		events:   &recordingEvents{},
	}
	f.svc = NewService(registry, s, Options{
		Secret:   testSecret,
		Notifier: f.notifier,
		Events:   f.events,
		Now:      func() time.Time { return testNow },
	})
	return f
}

func TestRequestAndConfirmLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.svc.RequestLink(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, testNow.Add(DefaultCodeTTL), code.ExpiresAt)

	err = f.svc.ConfirmLink(ctx, testSecret, ConfirmRequest{
		Code:         code.Code,
		UserID:       "u1",
		AccessToken:  "A1",
		RefreshToken: "R1",
	})
	require.NoError(t, err)

	link, err := f.svc.Status(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "u1", link.UserID)
	require.Equal(t, "A1", link.AccessToken)
	require.Equal(t, "R1", link.RefreshToken)
	require.Equal(t, testNow.Add(time.Hour), link.AccessExpiresAt)

	require.Len(t, f.notifier.messages[42], 1)
	require.Contains(t, f.notifier.messages[42][0], "userId=u1")
	require.Equal(t, []string{EventLinkCreated}, f.events.events)

	// Second redemption of the same code misses
	err = f.svc.ConfirmLink(ctx, testSecret, ConfirmRequest{Code: code.Code, UserID: "u2", AccessToken: "A2"})
	require.Equal(t, apperror.InvalidOrExpiredCode, apperror.KindOf(err))
}

func TestConfirmLinkWrongSecretKeepsCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.svc.RequestLink(ctx, 42)
	require.NoError(t, err)

	for _, secret := range []string{"", "wrong", testSecret + "x"} {
		err = f.svc.ConfirmLink(ctx, secret, ConfirmRequest{Code: code.Code, UserID: "u1", AccessToken: "A1"})
		require.Equal(t, apperror.Forbidden, apperror.KindOf(err))
	}

	require.NoError(t, f.svc.ConfirmLink(ctx, testSecret, ConfirmRequest{Code: code.Code, UserID: "u1", AccessToken: "A1"}))
}

func TestConfirmLinkBadRequestKeepsCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.svc.RequestLink(ctx, 42)
	require.NoError(t, err)

	cases := []ConfirmRequest{
		{UserID: "u1", AccessToken: "A1"},
		{Code: code.Code, AccessToken: "A1"},
		{Code: code.Code, UserID: "u1"},
		{Code: "   ", UserID: "u1", AccessToken: "A1"},
	}
	for _, req := range cases {
		err := f.svc.ConfirmLink(ctx, testSecret, req)
		require.Equal(t, apperror.BadRequest, apperror.KindOf(err))
	}

	require.NoError(t, f.svc.ConfirmLink(ctx, testSecret, ConfirmRequest{Code: code.Code, UserID: "u1", AccessToken: "A1"}))
}

func TestConfirmLinkUnknownCode(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ConfirmLink(context.Background(), testSecret, ConfirmRequest{Code: "ZZZZZZ", UserID: "u1", AccessToken: "A1"})
	require.Equal(t, apperror.InvalidOrExpiredCode, apperror.KindOf(err))
	require.Empty(t, f.events.events)
}

func TestConfirmLinkExpiredCode(t *testing.T) {
	s := store.NewMemoryStore()
	now := testNow
	clock := func() time.Time { return now }
	svc := NewService(codes.NewRegistry(s).WithClock(clock), s, Options{Secret: testSecret, Now: clock})
	ctx := context.Background()

	code, err := svc.RequestLink(ctx, 42)
	require.NoError(t, err)

	now = now.Add(DefaultCodeTTL + time.Second)
	err = svc.ConfirmLink(ctx, testSecret, ConfirmRequest{Code: code.Code, UserID: "u1", AccessToken: "A1"})
	require.Equal(t, apperror.InvalidOrExpiredCode, apperror.KindOf(err))
}

func TestConfirmLinkAccessExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.svc.RequestLink(ctx, 1)
	require.NoError(t, err)
	explicit := testNow.Add(30 * time.Minute).Unix()
	require.NoError(t, f.svc.ConfirmLink(ctx, testSecret, ConfirmRequest{
		Code: code.Code, UserID: "u1", AccessToken: "A1", AccessExp: explicit,
	}))
	link, err := f.svc.Status(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, explicit, link.AccessExpiresAt.Unix())

	jwtExp := testNow.Add(2 * time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u2",
		"exp": jwtExp.Unix(),
	}).SignedString([]byte("issuer-key"))
	require.NoError(t, err)

	code, err = f.svc.RequestLink(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmLink(ctx, testSecret, ConfirmRequest{Code: code.Code, UserID: "u2", AccessToken: token}))
	link, err = f.svc.Status(ctx, 2)
	require.NoError(t, err)
	require.True(t, jwtExp.Equal(link.AccessExpiresAt))
}

func TestConfirmLinkNotifierFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notifier.deliver = false
	ctx := context.Background()

	code, err := f.svc.RequestLink(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmLink(ctx, testSecret, ConfirmRequest{Code: code.Code, UserID: "u1", AccessToken: "A1"}))

	_, err = f.store.GetLink(ctx, 42)
	require.NoError(t, err)
}

func TestConfirmLinkOverwritesExistingLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutLink(ctx, models.IdentityLink{ChatID: 42, UserID: "old", AccessToken: "old", LastAttemptID: "a1"}))

	code, err := f.svc.RequestLink(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmLink(ctx, testSecret, ConfirmRequest{Code: code.Code, UserID: "new", AccessToken: "A1"}))

	link, err := f.svc.Status(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "new", link.UserID)
	require.Empty(t, link.LastAttemptID)
}

func TestUnlinkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutLink(ctx, models.IdentityLink{ChatID: 42, UserID: "u1", AccessToken: "A1"}))

	require.NoError(t, f.svc.Unlink(ctx, 42))
	require.NoError(t, f.svc.Unlink(ctx, 42))

	_, err := f.svc.Status(ctx, 42)
	require.Equal(t, apperror.Unauthenticated, apperror.KindOf(err))
	require.Equal(t, []string{EventLinkDeleted, EventLinkDeleted}, f.events.events)
}

func TestListLinksOmitsTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := testNow.Add(time.Hour)
	require.NoError(t, f.store.PutLink(ctx, models.IdentityLink{ChatID: 7, UserID: "u7", AccessToken: "A7", RefreshToken: "R7", AccessExpiresAt: exp}))

	links, err := f.svc.ListLinks(ctx)
	require.NoError(t, err)
	require.Equal(t, []LinkSummary{{ChatID: 7, UserID: "u7", AccessExp: exp.UnixMilli()}}, links)

	data, err := json.Marshal(links)
	require.NoError(t, err)
	require.JSONEq(t, `[{"tgId":"7","userId":"u7","accessExp":`+jsonInt(exp.UnixMilli())+`}]`, string(data))
	require.NotContains(t, string(data), "A7")
}

func TestSecretVerify(t *testing.T) {
	plain := NewSecret("change-me")
	require.True(t, plain.Verify("change-me"))
	require.False(t, plain.Verify("change-m"))
	require.False(t, plain.Verify(""))

	require.False(t, NewSecret("").Verify(""))

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	hashed := NewSecret(string(hash))
	require.True(t, hashed.Verify("hunter2"))
	require.False(t, hashed.Verify(string(hash)))
	require.False(t, hashed.Verify("hunter3"))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
