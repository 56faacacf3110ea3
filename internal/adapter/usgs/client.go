package usgs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/observability"
	"github.com/goccy/go-json"
)

// DefaultBaseURL is the USGS FDSN event query endpoint.
const DefaultBaseURL = "https://earthquake.usgs.gov/fdsnws/event/1/query"

// maxBodyBytes caps how much of a catalog response is read.
const maxBodyBytes = 32 << 20

// Client implements domain.Catalog against the USGS FDSN event service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates a catalog client. The timeout bounds the whole request,
// including reading the body.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		logger:  logger,
		metrics: metrics,
	}
}

// FetchEvents queries the catalog once. Any transport, status, or decode
// failure fails the whole call; item-level problems are left to the caller.
func (c *Client) FetchEvents(ctx context.Context, q domain.CatalogQuery) ([]domain.CandidateEvent, error) {
	params := url.Values{
		"format":       {"geojson"},
		"orderby":      {"time-asc"},
		"starttime":    {q.Start.UTC().Format(time.RFC3339)},
		"minlongitude": {formatFloat(q.Bounds.MinLon)},
		"minlatitude":  {formatFloat(q.Bounds.MinLat)},
		"maxlongitude": {formatFloat(q.Bounds.MaxLon)},
		"maxlatitude":  {formatFloat(q.Bounds.MaxLat)},
		"minmagnitude": {formatFloat(q.MinMagnitude)},
	}
	if !q.End.IsZero() {
		params.Set("endtime", q.End.UTC().Format(time.RFC3339))
	}

	start := time.Now()
	features, err := c.doRequest(ctx, c.baseURL+"?"+params.Encode())
	c.metrics.CatalogDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.CatalogRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	c.metrics.CatalogRequests.WithLabelValues("success").Inc()

	out := make([]domain.CandidateEvent, 0, len(features))
	for _, f := range features {
		out = append(out, f.candidate())
	}
	c.logger.Debug("catalog fetched", "features", len(out), "start", q.Start, "end", q.End)
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) ([]feature, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	// FDSN answers 204 when the window has no events.
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("catalog API error: status %d: %s", resp.StatusCode, body)
	}

	var fc featureCollection
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("decode response: unexpected GeoJSON type %q", fc.Type)
	}
	return fc.Features, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// GeoJSON response types. Numeric fields are pointers so a missing or null
// value can be told apart from zero.

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	ID         string     `json:"id"`
	Properties properties `json:"properties"`
	Geometry   *geometry  `json:"geometry"`
}

type properties struct {
	Mag   *float64 `json:"mag"`
	Place string   `json:"place"`
	Time  *int64   `json:"time"` // epoch milliseconds
	URL   string   `json:"url"`
	Title string   `json:"title"`
}

type geometry struct {
	Coordinates []*float64 `json:"coordinates"` // [lon, lat, depth]
}

func (f feature) candidate() domain.CandidateEvent {
	c := domain.CandidateEvent{
		ID:        f.ID,
		Magnitude: f.Properties.Mag,
		Place:     f.Properties.Place,
		Title:     f.Properties.Title,
		URL:       f.Properties.URL,
	}
	if f.Properties.Time != nil {
		t := time.UnixMilli(*f.Properties.Time).UTC()
		c.Time = &t
	}
	if f.Geometry != nil {
		coords := f.Geometry.Coordinates
		if len(coords) > 0 {
			c.Lon = coords[0]
		}
		if len(coords) > 1 {
			c.Lat = coords[1]
		}
		if len(coords) > 2 {
			c.Depth = coords[2]
		}
	}
	return c
}
