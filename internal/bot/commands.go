package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/apperror"
	"github.com/fuomag9/linkrelay/internal/store"
)

type commandHandler func(b *Bot, ctx context.Context, msg *Message, args []string)

var commands map[string]commandHandler

func init() {
	commands = map[string]commandHandler{
		"start":  (*Bot).handleStart,
		"help":   (*Bot).handleHelp,
		"link":   (*Bot).handleLink,
		"status": (*Bot).handleStatus,
		"unlink": (*Bot).handleUnlink,
		"tests":  (*Bot).handleTests,
		"take":   (*Bot).handleTake,
		"answer": (*Bot).handleAnswer,
		"finish": (*Bot).handleFinish,
	}
}

const helpText = "/link - link your web account\n" +
	"/tests - list available tests\n" +
	"/take <testId> - start an attempt\n" +
	"/answer <qIndex> <choice> - answer a question\n" +
	"/finish - finish the current attempt\n" +
	"/status - show the link\n" +
	"/unlink - unlink your account"

func (b *Bot) handleStart(ctx context.Context, msg *Message, args []string) {
	name := msg.From.FirstName
	if name == "" {
		name = "there"
	}
	b.reply(ctx, msg, fmt.Sprintf("Hello, %s!\n"+
		"I give you access to tests and surveys.\n"+
		"Use /link to link your web account to Telegram.\n"+
		"Then: /tests lists tests, /take <testId> starts one.", name))
}

func (b *Bot) handleHelp(ctx context.Context, msg *Message, args []string) {
	b.reply(ctx, msg, helpText)
}

func (b *Bot) handleLink(ctx context.Context, msg *Message, args []string) {
	chatID := msg.From.ID
	code, err := b.linker.RequestLink(ctx, chatID)
	if err != nil {
		b.reply(ctx, msg, "Could not create a linking code, please try again later.")
		return
	}

	b.replyMarkdown(ctx, msg, fmt.Sprintf("To link your account, open the web client (Account > Link Telegram) and enter the code:\n\n"+
		"CODE: *%s*\n\n"+
		"The code is valid for %s. Your Telegram id: `%d`.", code.Code, humanDuration(b.linker.CodeTTL()), chatID))
}

func (b *Bot) handleStatus(ctx context.Context, msg *Message, args []string) {
	link, err := b.linker.Status(ctx, msg.From.ID)
	if apperror.Is(err, apperror.Unauthenticated) {
		b.reply(ctx, msg, "Account not linked. Run /link.")
		return
	}
	if err != nil {
		b.reply(ctx, msg, "Could not read the link status, please try again later.")
		return
	}

	expiresIn := "unknown"
	if !link.AccessExpiresAt.IsZero() {
		if secs := int64(time.Until(link.AccessExpiresAt) / time.Second); secs > 0 {
			expiresIn = fmt.Sprintf("%ds", secs)
		}
	}
	b.reply(ctx, msg, fmt.Sprintf("Linked as userId=%s\nAccess expires in: %s", link.UserID, expiresIn))
}

func (b *Bot) handleUnlink(ctx context.Context, msg *Message, args []string) {
	if err := b.linker.Unlink(ctx, msg.From.ID); err != nil {
		b.reply(ctx, msg, "Could not remove the link, please try again later.")
		return
	}
	b.reply(ctx, msg, "Link removed.")
}

func (b *Bot) handleTests(ctx context.Context, msg *Message, args []string) {
	resp, err := b.relay.Anonymous(ctx, http.MethodGet, "/tests", nil)
	if err != nil {
		b.reply(ctx, msg, "Failed to fetch the list of tests: "+describeError(err))
		return
	}

	var tests []struct {
		ID    interface{} `json:"id"`
		Title string      `json:"title"`
	}
	if err := decodeNumbers(resp.Body, &tests); err != nil || len(tests) == 0 {
		b.reply(ctx, msg, "No tests found.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Tests:\n\n")
	for _, t := range tests {
		fmt.Fprintf(&sb, "• %s - id: `%v`\n", t.Title, t.ID)
	}
	sb.WriteString("\nTo take a test: /take <testId>")
	b.replyMarkdown(ctx, msg, sb.String())
}

func (b *Bot) handleTake(ctx context.Context, msg *Message, args []string) {
	if len(args) < 1 {
		b.reply(ctx, msg, "Usage: /take <testId>")
		return
	}
	chatID := msg.From.ID
	testID := args[0]

	resp, err := b.relay.Relay(ctx, chatID, http.MethodPost, "/tests/"+url.PathEscape(testID)+"/attempts", nil)
	if err != nil {
		b.reply(ctx, msg, "Failed to start the attempt: "+describeError(err))
		return
	}

	var result map[string]interface{}
	if err := decodeNumbers(resp.Body, &result); err != nil {
		b.reply(ctx, msg, "Unexpected server response: "+truncate(string(resp.Body)))
		return
	}
	attemptID := attemptIDFrom(result)
	if attemptID == "" {
		b.reply(ctx, msg, "Unexpected server response: "+truncate(string(resp.Body)))
		return
	}

	if err := b.links.SetLastAttempt(ctx, chatID, attemptID); err != nil {
		b.logger.Warn("failed to remember attempt", zap.Int64("chat_id", chatID), zap.Error(err))
	}

	b.reply(ctx, msg, fmt.Sprintf("Attempt started. attemptId: %s\n"+
		"Answer questions with /answer <qIndex> <choice>\n"+
		"When you are done: /finish", attemptID))
}

func (b *Bot) handleAnswer(ctx context.Context, msg *Message, args []string) {
	if len(args) < 2 {
		b.reply(ctx, msg, "Usage: /answer <qIndex> <choice>")
		return
	}
	qIndex, err1 := strconv.Atoi(args[0])
	choice, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		b.reply(ctx, msg, "qIndex and choice must be numbers")
		return
	}

	chatID := msg.From.ID
	attemptID, ok := b.currentAttempt(ctx, chatID)
	if !ok {
		b.reply(ctx, msg, "No attempt in progress. Start one with /take <testId>")
		return
	}

	body := map[string]int{"qIndex": qIndex, "choice": choice}
	if _, err := b.relay.Relay(ctx, chatID, http.MethodPut, "/attempts/"+url.PathEscape(attemptID)+"/answer", body); err != nil {
		b.reply(ctx, msg, "Failed to save the answer: "+describeError(err))
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Answer saved (q=%d, choice=%d)", qIndex, choice))
}

func (b *Bot) handleFinish(ctx context.Context, msg *Message, args []string) {
	chatID := msg.From.ID
	attemptID, ok := b.currentAttempt(ctx, chatID)
	if !ok {
		b.reply(ctx, msg, "No attempt in progress.")
		return
	}

	resp, err := b.relay.Relay(ctx, chatID, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/finish", nil)
	if err != nil {
		b.reply(ctx, msg, "Failed to finish the attempt: "+describeError(err))
		return
	}

	if err := b.links.SetLastAttempt(ctx, chatID, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
		b.logger.Warn("failed to clear attempt", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	b.reply(ctx, msg, "Test finished. Result: "+truncate(compactJSON(resp.Body)))
}

func (b *Bot) currentAttempt(ctx context.Context, chatID int64) (string, bool) {
	link, err := b.links.GetLink(ctx, chatID)
	if err != nil || link.LastAttemptID == "" {
		return "", false
	}
	return link.LastAttemptID, true
}

// describeError turns a relay failure into chat text without leaking tokens
func describeError(err error) string {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		return "internal error"
	}

	switch appErr.Kind {
	case apperror.Unauthenticated:
		return "account not linked, run /link first"
	case apperror.Unauthorized:
		return "the server rejected your credentials, run /link again"
	case apperror.UpstreamFailure:
		if appErr.Status != 0 {
			if len(appErr.Body) > 0 {
				return fmt.Sprintf("server returned %d: %s", appErr.Status, truncate(compactJSON(appErr.Body)))
			}
			return fmt.Sprintf("server returned %d", appErr.Status)
		}
		return "server unavailable"
	default:
		return appErr.Message
	}
}

func attemptIDFrom(result map[string]interface{}) string {
	for _, key := range []string{"id", "ID"} {
		if v, ok := result[key]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func decodeNumbers(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func compactJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return strings.TrimSpace(string(data))
	}
	return buf.String()
}

// truncate keeps the first 500 characters of s
func truncate(s string) string {
	const max = 500
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
