package fetcher

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/metrics"
)

const (
	defaultBaseURL = "https://firms.modaps.eosdis.nasa.gov/api/area/csv"
	maxDayRange    = 10
	feedTimeLayout = "2006-01-02 1504"
)

// BBox is the west,south,east,north area the feed is queried for.
type BBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

func (b BBox) String() string {
	parts := []float64{b.West, b.South, b.East, b.North}
	out := make([]string, len(parts))
	for i, v := range parts {
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(out, ",")
}

// Options parameterise the FIRMS area API client.
type Options struct {
	BaseURL           string
	MapKey            string
	Region            string
	Area              BBox
	Timeout           time.Duration
	InvalidKeyMarkers []string
	UserAgent         string
	Location          *time.Location
}

// FIRMS fetches hotspot CSV from the NASA FIRMS area API.
type FIRMS struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	metrics *metrics.Collector
	markers []string
}

// NewFIRMS constructs a FIRMS feed client.
func NewFIRMS(opts Options, collector *metrics.Collector, logger zerolog.Logger) *FIRMS {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	markers := make([]string, 0, len(opts.InvalidKeyMarkers))
	for _, m := range opts.InvalidKeyMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	if len(markers) == 0 {
		markers = []string{"invalid key"}
	}

	return &FIRMS{
		opts:    opts,
		logger:  logger.With().Str("component", "firms_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		metrics: collector,
		markers: markers,
	}
}

// DayRange converts a lookback in hours into the API's whole-day range.
func DayRange(hours int) int {
	days := (hours + 23) / 24
	if days < 1 {
		return 1
	}
	if days > maxDayRange {
		return maxDayRange
	}
	return days
}

// Fetch queries every source concurrently. Source order is preserved in the
// result and a failing source contributes no records.
func (f *FIRMS) Fetch(ctx context.Context, sources []string, lookbackHours int) []hotspot.Detection {
	results := make([][]hotspot.Detection, len(sources))

	var g errgroup.Group
	for i, source := range sources {
		i, source := i, source
		g.Go(func() error {
			dets, err := f.FetchSource(ctx, source, lookbackHours)
			if err != nil {
				f.metrics.SourceFailure(hotspot.SourceName(source))
				f.logger.Warn().Err(err).Str("source", source).Msg("source fetch failed; treating as empty")
				return nil
			}
			results[i] = dets
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	all := make([]hotspot.Detection, 0, total)
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

// FetchSource issues one area request for a single feed source.
func (f *FIRMS) FetchSource(ctx context.Context, source string, lookbackHours int) ([]hotspot.Detection, error) {
	if f.opts.MapKey == "" {
		return nil, errors.New("firms map key not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.areaURL(source, DayRange(lookbackHours)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "hotspotd/1.0")
	}

	started := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	f.metrics.ObserveFetch(hotspot.SourceName(source), time.Since(started))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, body)
	}
	if f.invalidKey(body) {
		return nil, ErrInvalidKey
	}

	dets, skipped := ParseCSV(bytes.NewReader(body), source, f.opts.Location, f.opts.Region)
	if skipped > 0 {
		f.logger.Warn().Str("source", source).Int("skipped", skipped).Msg("skipped malformed rows")
	}
	f.logger.Debug().Str("source", source).Int("detections", len(dets)).Msg("source fetched")
	return dets, nil
}

func (f *FIRMS) areaURL(source string, days int) string {
	return fmt.Sprintf("%s/%s/%s/%s/%d", f.baseURL, f.opts.MapKey, source, f.opts.Area, days)
}

func (f *FIRMS) invalidKey(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, m := range f.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ParseCSV decodes a FIRMS area CSV body. Rows that cannot be parsed are
// skipped and counted; acquisition times are converted from UTC to loc.
func ParseCSV(r io.Reader, source string, loc *time.Location, region string) ([]hotspot.Detection, int) {
	if loc == nil {
		loc = time.UTC
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return []hotspot.Detection{}, 0
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	name := hotspot.SourceName(source)
	dets := make([]hotspot.Detection, 0)
	skipped := 0
	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			var parseErr *csv.ParseError
			if errors.As(readErr, &parseErr) {
				skipped++
				continue
			}
			break
		}
		d, ok := parseRow(record, cols, name, loc, region)
		if !ok {
			skipped++
			continue
		}
		dets = append(dets, d)
	}
	return dets, skipped
}

func parseRow(record []string, cols map[string]int, source string, loc *time.Location, region string) (hotspot.Detection, bool) {
	field := func(names ...string) string {
		for _, n := range names {
			if idx, ok := cols[n]; ok && idx < len(record) {
				if v := strings.TrimSpace(record[idx]); v != "" {
					return v
				}
			}
		}
		return ""
	}
	required := func(names ...string) (decimal.Decimal, bool) {
		v := field(names...)
		if v == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(v)
		return d, err == nil
	}
	optional := func(names ...string) (decimal.Decimal, bool) {
		v := field(names...)
		if v == "" {
			return decimal.Zero, true
		}
		d, err := decimal.NewFromString(v)
		return d, err == nil
	}

	lat, ok := required("latitude")
	if !ok {
		return hotspot.Detection{}, false
	}
	lon, ok := required("longitude")
	if !ok {
		return hotspot.Detection{}, false
	}

	acqDate := field("acq_date")
	acqTime := field("acq_time")
	if acqDate == "" || acqTime == "" || len(acqTime) > 4 {
		return hotspot.Detection{}, false
	}
	acqTime = strings.Repeat("0", 4-len(acqTime)) + acqTime
	utc, err := time.ParseInLocation(feedTimeLayout, acqDate+" "+acqTime, time.UTC)
	if err != nil {
		return hotspot.Detection{}, false
	}
	local := utc.In(loc)

	d := hotspot.Detection{
		Latitude:   lat,
		Longitude:  lon,
		AcqDate:    local.Format(hotspot.DateLayout),
		AcqTime:    local.Format(hotspot.TimeLayout),
		AcquiredAt: local,
		Source:     source,
		Instrument: field("instrument"),
		Version:    field("version"),
		Confidence: NormalizeConfidence(field("confidence")),
		DayNight:   field("daynight"),
		Region:     region,
	}

	numeric := []struct {
		dst   *decimal.Decimal
		names []string
	}{
		{&d.Brightness, []string{"brightness", "bright_ti4"}},
		{&d.BrightT31, []string{"bright_t31", "bright_ti5"}},
		{&d.Scan, []string{"scan"}},
		{&d.Track, []string{"track"}},
		{&d.FRP, []string{"frp"}},
	}
	for _, n := range numeric {
		v, ok := optional(n.names...)
		if !ok {
			return hotspot.Detection{}, false
		}
		*n.dst = v
	}
	return d, true
}

func parseHTTPError(status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg != "" {
		return fmt.Errorf("firms api error (%d): %s", status, msg)
	}
	return fmt.Errorf("firms api error (%d)", status)
}

var _ Feed = (*FIRMS)(nil)
var _ SourceFetcher = (*FIRMS)(nil)
