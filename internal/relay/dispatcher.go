package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/apperror"
	"github.com/fuomag9/linkrelay/internal/models"
	"github.com/fuomag9/linkrelay/internal/store"
)

// maxBodyBytes caps how much of a backend response is buffered
const maxBodyBytes = 4 << 20

// Refresher mints new credentials from a refresh token
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.Credentials, error)
}

// Response is a successful backend reply, passed through unchanged
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body as JSON
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}

// outcome classifies a single backend call
type outcome int

const (
	outcomeOK outcome = iota
	outcomeAuthRejected
	outcomeFailed
)

// Dispatcher calls the protected backend on behalf of linked chat identities
type Dispatcher struct {
	baseURL    string
	links      store.LinkStore
	refresher  Refresher
	httpClient *http.Client
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher for the backend at baseURL.
// timeout bounds every single outbound call.
func NewDispatcher(baseURL string, links store.LinkStore, refresher Refresher, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		links:      links,
		refresher:  refresher,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Relay performs method/path against the backend with chatID's access token.
// A 401/403 is retried exactly once, and only after a successful refresh.
func (d *Dispatcher) Relay(ctx context.Context, chatID int64, method, path string, body interface{}) (*Response, error) {
	link, err := d.links.GetLink(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && link.AccessToken == "") {
		return nil, apperror.New(apperror.Unauthenticated, "user not linked or no token")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, "failed to load link", err)
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, apperror.Wrap(apperror.BadRequest, "failed to encode request body", err)
	}

	resp, kind, err := d.call(ctx, method, path, payload, link.AccessToken)
	switch kind {
	case outcomeOK:
		return resp, nil
	case outcomeFailed:
		return nil, err
	}

	// outcomeAuthRejected
	if link.RefreshToken == "" {
		return nil, err
	}

	creds, refreshErr := d.refresher.Refresh(ctx, link.RefreshToken)
	if refreshErr != nil {
		d.logger.Warn("credential refresh failed",
			zap.Int64("chat_id", chatID),
			zap.Error(refreshErr),
		)
		return nil, err
	}

	if updateErr := d.links.UpdateCredentials(ctx, chatID, creds); updateErr != nil {
		// The link may have been removed meanwhile; the new token still
		// serves this one request but is not written back.
		d.logger.Warn("failed to persist refreshed credentials",
			zap.Int64("chat_id", chatID),
			zap.Error(updateErr),
		)
	}

	resp, kind, err = d.call(ctx, method, path, payload, creds.AccessToken)
	if kind == outcomeOK {
		return resp, nil
	}
	return nil, err
}

// Anonymous performs an unauthenticated call, for public backend routes
func (d *Dispatcher) Anonymous(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, apperror.Wrap(apperror.BadRequest, "failed to encode request body", err)
	}
	resp, kind, err := d.call(ctx, method, path, payload, "")
	if kind == outcomeOK {
		return resp, nil
	}
	return nil, err
}

func (d *Dispatcher) call(ctx context.Context, method, path string, payload []byte, accessToken string) (*Response, outcome, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), d.baseURL+path, reqBody)
	if err != nil {
		return nil, outcomeFailed, apperror.Wrap(apperror.UpstreamFailure, "failed to create backend request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, outcomeFailed, apperror.Wrap(apperror.UpstreamFailure, "backend request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, outcomeFailed, apperror.Wrap(apperror.UpstreamFailure, "failed to read backend response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, outcomeOK, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, outcomeAuthRejected, &apperror.Error{
			Kind:    apperror.Unauthorized,
			Status:  resp.StatusCode,
			Message: "backend rejected credentials",
			Body:    data,
		}
	default:
		return nil, outcomeFailed, &apperror.Error{
			Kind:    apperror.UpstreamFailure,
			Status:  resp.StatusCode,
			Message: "backend returned an error",
			Body:    data,
		}
	}
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}
