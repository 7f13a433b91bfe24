// Package osm looks up OpenStreetMap elements through the Nominatim API
package osm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"prices-service/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned when Nominatim knows no such element
var ErrNotFound = errors.New("osm element not found")

// Client is a Nominatim lookup client
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLimiter overrides the request rate limiter
func WithLimiter(l *rate.Limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// NewClient creates a Nominatim client limited to one request per second,
// the public instance's usage policy
func NewClient(baseURL, userAgent string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// place is one element of a Nominatim lookup response
type place struct {
	OSMID       int64             `json:"osm_id"`
	OSMType     string            `json:"osm_type"`
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Lat         string            `json:"lat"`
	Lon         string            `json:"lon"`
	Address     map[string]string `json:"address"`
	ExtraTags   map[string]string `json:"extratags"`
}

// Lookup fetches the metadata of one OSM element
func (c *Client) Lookup(ctx context.Context, osmID int64, osmType string) (*models.OSMMetadata, error) {
	if osmType == "" {
		return nil, fmt.Errorf("osm: empty element type")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("osm: rate limit: %w", err)
	}

	params := url.Values{
		"osm_ids":        {fmt.Sprintf("%s%d", strings.ToUpper(osmType[:1]), osmID)},
		"format":         {"json"},
		"addressdetails": {"1"},
		"extratags":      {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/lookup?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("osm: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("osm: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osm: nominatim returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("osm: read body: %w", err)
	}

	var places []place
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, fmt.Errorf("osm: parse response: %w", err)
	}
	if len(places) == 0 {
		return nil, ErrNotFound
	}
	return places[0].metadata(), nil
}

func (p place) metadata() *models.OSMMetadata {
	meta := &models.OSMMetadata{
		Name:            nonEmpty(p.Name),
		DisplayName:     nonEmpty(p.DisplayName),
		Brand:           nonEmpty(p.ExtraTags["brand"]),
		AddressPostcode: nonEmpty(p.Address["postcode"]),
		AddressCountry:  nonEmpty(p.Address["country"]),
		Lat:             coordinate(p.Lat),
		Lon:             coordinate(p.Lon),
	}
	for _, key := range []string{"city", "town", "village", "municipality"} {
		if city := nonEmpty(p.Address[key]); city != nil {
			meta.AddressCity = city
			break
		}
	}
	return meta
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// coordinate parses a Nominatim coordinate rounded to 7 decimals
func coordinate(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	d = d.Round(7)
	return &d
}
