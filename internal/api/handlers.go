package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/monitor"
	"firms-hotspot-alerts/internal/service"
	"firms-hotspot-alerts/internal/storage"
	"firms-hotspot-alerts/internal/version"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodyBytes = 1 << 20
)

type errorResponse struct {
	Error string `json:"error"`
}

type hotspotDTO struct {
	ID         int64           `json:"id"`
	Latitude   decimal.Decimal `json:"latitude"`
	Longitude  decimal.Decimal `json:"longitude"`
	AcqDate    string          `json:"acq_date"`
	AcqTime    string          `json:"acq_time"`
	AcquiredAt time.Time       `json:"acquired_at"`
	Satellite  string          `json:"satellite"`
	Instrument string          `json:"instrument,omitempty"`
	Confidence string          `json:"confidence"`
	Brightness decimal.Decimal `json:"brightness"`
	BrightT31  decimal.Decimal `json:"bright_t31"`
	FRP        decimal.Decimal `json:"frp"`
	DayNight   string          `json:"daynight,omitempty"`
	Region     string          `json:"region,omitempty"`
	Notified   bool            `json:"notified"`
	NotifiedAt *time.Time      `json:"notified_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toHotspotDTOs(dets []hotspot.Detection) []hotspotDTO {
	out := make([]hotspotDTO, 0, len(dets))
	for _, d := range dets {
		out = append(out, hotspotDTO{
			ID:         d.ID,
			Latitude:   d.Latitude,
			Longitude:  d.Longitude,
			AcqDate:    d.AcqDate,
			AcqTime:    d.AcqTime,
			AcquiredAt: d.AcquiredAt,
			Satellite:  d.Source,
			Instrument: d.Instrument,
			Confidence: string(d.Confidence),
			Brightness: d.Brightness,
			BrightT31:  d.BrightT31,
			FRP:        d.FRP,
			DayNight:   d.DayNight,
			Region:     d.Region,
			Notified:   d.Notified,
			NotifiedAt: d.NotifiedAt,
			CreatedAt:  d.CreatedAt,
		})
	}
	return out
}

type notificationDTO struct {
	ID           int64     `json:"id"`
	BatchID      string    `json:"batch_id"`
	Kind         string    `json:"kind"`
	HotspotCount int       `json:"hotspot_count"`
	MessageText  string    `json:"message_text"`
	Status       string    `json:"status"`
	Error        *string   `json:"error_message,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

type checkLogDTO struct {
	ID             int64     `json:"id"`
	CheckedAt      time.Time `json:"checked_at"`
	HotspotsFound  int       `json:"hotspots_found"`
	NewHotspots    int       `json:"new_hotspots"`
	ResponseTimeMs int64     `json:"api_response_time_ms"`
	Status         string    `json:"status"`
	Error          *string   `json:"error_message,omitempty"`
}

type tallyDTO struct {
	Count  int        `json:"count"`
	Latest *time.Time `json:"latest,omitempty"`
}

func toTallyDTOs(tallies map[string]hotspot.Tally) map[string]tallyDTO {
	out := make(map[string]tallyDTO, len(tallies))
	for source, t := range tallies {
		dto := tallyDTO{Count: t.Count}
		if !t.Latest.IsZero() {
			latest := t.Latest
			dto.Latest = &latest
		}
		out[source] = dto
	}
	return out
}

type healthResponse struct {
	Status              string    `json:"status"`
	Database            string    `json:"database"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Time                time.Time `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", Time: s.opts.Now().UTC()}
	code := http.StatusOK
	if err := s.opts.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.opts.Engine != nil {
		h := s.opts.Engine.Health()
		resp.ConsecutiveFailures = h.ConsecutiveFailures
		resp.LastError = h.LastError
		if !h.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

type statusResponse struct {
	Version       version.Info        `json:"version"`
	Region        string              `json:"region"`
	Timezone      string              `json:"timezone"`
	Now           time.Time           `json:"now"`
	State         string              `json:"state"`
	Window        string              `json:"window,omitempty"`
	WindowStart   *time.Time          `json:"window_start,omitempty"`
	Sources       []string            `json:"sources"`
	Tallies       map[string]tallyDTO `json:"tallies"`
	Total         int                 `json:"total"`
	Reported      int                 `json:"reported"`
	Expected      int                 `json:"expected"`
	Complete      bool                `json:"complete"`
	Quiesced      bool                `json:"quiesced"`
	AllReportedAt *time.Time          `json:"all_reported_at,omitempty"`
	StoredCount   int64               `json:"stored_hotspots"`
	LastCheckAt   *time.Time          `json:"last_check_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:  version.Get(),
		Region:   s.opts.Region,
		Timezone: s.opts.Location.String(),
		Now:      s.opts.Now().In(s.opts.Location),
		State:    string(monitor.StateIdle),
		Sources:  s.opts.Sources,
		Tallies:  map[string]tallyDTO{},
	}
	if s.opts.Monitor != nil {
		st := s.opts.Monitor.Status()
		snap := s.opts.Monitor.Snapshot()
		resp.State = string(st.State)
		resp.Window = st.Window
		resp.WindowStart = st.WindowStart
		resp.Tallies = toTallyDTOs(snap.Tallies)
		resp.Total = snap.Total
		resp.Reported = snap.Reported
		resp.Expected = snap.Expected
		resp.Complete = snap.Complete
		resp.Quiesced = snap.Quiesced
		resp.AllReportedAt = snap.AllReportedAt
	}
	if s.opts.Engine != nil {
		resp.LastCheckAt = s.opts.Engine.Health().LastCheckAt
	}
	count, err := s.opts.Store.CountHotspots(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("count hotspots failed")
	}
	resp.StoredCount = count
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHotspots(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dets, err := s.opts.Store.ListRecentHotspots(r.Context(), limit)
	if err != nil {
		s.internalError(w, err, "list hotspots failed")
		return
	}
	writeJSON(w, http.StatusOK, toHotspotDTOs(dets))
}

func (s *Server) handleHotspotsToday(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Now().In(s.opts.Location)
	dates := []string{now.Format(hotspot.DateLayout), now.AddDate(0, 0, -1).Format(hotspot.DateLayout)}
	dets, err := s.opts.Store.ListHotspotsByDates(r.Context(), dates)
	if err != nil {
		s.internalError(w, err, "list today's hotspots failed")
		return
	}
	writeJSON(w, http.StatusOK, toHotspotDTOs(dets))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.opts.Store.ListRecentNotifications(r.Context(), limit)
	if err != nil {
		s.internalError(w, err, "list notifications failed")
		return
	}
	out := make([]notificationDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, notificationDTO{
			ID:           rec.ID,
			BatchID:      rec.BatchID,
			Kind:         rec.Kind,
			HotspotCount: rec.HotspotCount,
			MessageText:  rec.MessageText,
			Status:       rec.Status,
			Error:        rec.Error,
			SentAt:       rec.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	logs, err := s.opts.Store.ListRecentCheckLogs(r.Context(), limit)
	if err != nil {
		s.internalError(w, err, "list check logs failed")
		return
	}
	out := make([]checkLogDTO, 0, len(logs))
	for _, l := range logs {
		out = append(out, checkLogDTO{
			ID:             l.ID,
			CheckedAt:      l.CheckedAt,
			HotspotsFound:  l.HotspotsFound,
			NewHotspots:    l.NewHotspots,
			ResponseTimeMs: l.ResponseTimeMs,
			Status:         l.Status,
			Error:          l.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type settingRequest struct {
	Key   string `json:"key" validate:"required,max=64,printascii"`
	Value string `json:"value" validate:"max=1024"`
}

type settingDTO struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.opts.Store.ListSettings(r.Context())
	if err != nil {
		s.internalError(w, err, "list settings failed")
		return
	}
	out := make([]settingDTO, 0, len(settings))
	for _, st := range settings {
		out = append(out, settingDTO{Key: st.Key, Value: st.Value, UpdatedAt: st.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := s.decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Store.PutSetting(r.Context(), req.Key, req.Value); err != nil {
		s.internalError(w, err, "update setting failed")
		return
	}
	s.logger.Info().Str("key", req.Key).Msg("setting updated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "key": req.Key})
}

type checkNowRequest struct {
	Notify        bool `json:"notify"`
	LookbackHours int  `json:"lookback_hours" validate:"omitempty,min=1,max=240"`
}

type checkNowResponse struct {
	CheckedAt        time.Time           `json:"checked_at"`
	HotspotsFound    int                 `json:"hotspots_found"`
	NewHotspots      int                 `json:"new_hotspots"`
	DurationMs       int64               `json:"duration_ms"`
	PerSource        map[string]tallyDTO `json:"satellites_found"`
	NotificationSent bool                `json:"notification_sent"`
}

// handleCheckNow runs one cycle outside the window gate. Its detections are
// stored but never tallied into the open window.
func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	var req checkNowRequest
	if err := s.decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CheckTimeout)
	defer cancel()

	outcome, err := s.opts.Engine.Check(ctx, service.CheckOptions{LookbackHours: req.LookbackHours, Trigger: "manual"})
	if err != nil {
		if errors.Is(err, service.ErrBusy) || errors.Is(err, service.ErrLocked) {
			writeError(w, http.StatusConflict, err)
			return
		}
		s.internalError(w, err, "manual check failed")
		return
	}

	resp := checkNowResponse{
		CheckedAt:     outcome.CheckedAt,
		HotspotsFound: outcome.TotalFetched,
		NewHotspots:   outcome.NovelCount,
		DurationMs:    outcome.Duration.Milliseconds(),
		PerSource:     toTallyDTOs(outcome.PerSource),
	}
	if req.Notify && outcome.NovelCount > 0 {
		now := s.opts.Now().In(s.opts.Location)
		msg := alerting.Poll(outcome.PerSource, s.opts.Sources, s.opts.Region, now)
		if err := s.opts.Engine.Deliver(ctx, msg, outcome.Novel); err != nil {
			s.logger.Warn().Err(err).Msg("manual check alert not delivered")
		} else {
			resp.NotificationSent = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %s validation", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	if errors.Is(err, storage.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeError(w, http.StatusInternalServerError, errors.New(msg))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
