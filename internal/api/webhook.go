package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"firms-hotspot-alerts/internal/storage"
)

const lineSignatureHeader = "X-Line-Signature"

type webhookPayload struct {
	Destination string         `json:"destination"`
	Events      []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type   string `json:"type"`
	Source struct {
		Type    string `json:"type"`
		GroupID string `json:"groupId"`
		UserID  string `json:"userId"`
	} `json:"source"`
}

// handleWebhook acknowledges LINE events. When the bot joins a group and no
// target group is stored yet, the group id is remembered as the push target.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if s.opts.ChannelSecret != "" && !validSignature(s.opts.ChannelSecret, body, r.Header.Get(lineSignatureHeader)) {
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature mismatch")
		writeError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}

	var payload webhookPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid json"))
			return
		}
	}

	for _, ev := range payload.Events {
		s.logger.Info().Str("type", ev.Type).
			Str("source_type", ev.Source.Type).
			Str("group_id", ev.Source.GroupID).
			Msg("line webhook event")
		if ev.Type == "join" && ev.Source.Type == "group" && ev.Source.GroupID != "" {
			s.rememberGroup(r, ev.Source.GroupID)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) rememberGroup(r *http.Request, groupID string) {
	current, ok, err := s.opts.Store.GetSetting(r.Context(), storage.SettingLineGroupID)
	if err != nil {
		s.logger.Error().Err(err).Msg("read line group setting failed")
		return
	}
	if ok && current != "" {
		return
	}
	if err := s.opts.Store.PutSetting(r.Context(), storage.SettingLineGroupID, groupID); err != nil {
		s.logger.Error().Err(err).Msg("store line group setting failed")
		return
	}
	s.logger.Info().Str("group_id", groupID).Msg("line group stored as notification target")
}

func validSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
