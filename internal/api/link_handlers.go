package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/apperror"
	"github.com/fuomag9/linkrelay/internal/linking"
)

// maxConfirmBody bounds the confirm request body
const maxConfirmBody = 64 << 10

// LinkService is the part of the linking service the HTTP surface needs
type LinkService interface {
	VerifySecret(presented string) bool
	ConfirmLink(ctx context.Context, presentedSecret string, req linking.ConfirmRequest) error
	ListLinks(ctx context.Context) ([]linking.LinkSummary, error)
}

type confirmRequest struct {
	Code         string          `json:"code"`
	UserID       string          `json:"userId"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	AccessExp    json.RawMessage `json:"access_exp,omitempty"`
}

// HandleConfirmLink completes a link started with /link in the chat
func HandleConfirmLink(svc LinkService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body confirmRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfirmBody)).Decode(&body); err != nil {
			// An unreadable body still has to pass the secret check first
			body = confirmRequest{}
		}

		err := svc.ConfirmLink(r.Context(), r.Header.Get(SecretHeader), linking.ConfirmRequest{
			Code:         body.Code,
			UserID:       body.UserID,
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			AccessExp:    unixSeconds(body.AccessExp),
		})
		if err != nil {
			kind := apperror.KindOf(err)
			if kind == apperror.Internal {
				logger.Error("link confirmation failed", zap.Error(err))
			}
			writeError(w, apperror.HTTPStatus(kind), string(kind))
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// HandleListLinks returns every current link without credentials
func HandleListLinks(svc LinkService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		links, err := svc.ListLinks(r.Context())
		if err != nil {
			logger.Error("failed to list links", zap.Error(err))
			writeError(w, http.StatusInternalServerError, string(apperror.Internal))
			return
		}
		writeJSON(w, http.StatusOK, links)
	}
}

// HandleHealth reports liveness
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// unixSeconds reads access_exp as a number or numeric string; anything else is 0
func unixSeconds(raw json.RawMessage) int64 {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(f)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
