// Package geocode resolves shared coordinates to a city, region and country through the Geoapify reverse API.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
)

// Defaults for the Geoapify client.
const (
	DefaultBaseURL  = "https://api.geoapify.com"
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = 24 * time.Hour
)

// ErrMissingAPIKey is returned by NewClient when no API key is configured.
var ErrMissingAPIKey = errors.New("geoapify api key is required")

// Address is the resolved place for a pair of coordinates.
type Address struct {
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
}

// Opts holds configuration for the Geoapify client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
	CacheTTL   time.Duration
}

// Option configures the Geoapify client.
type Option func(*Opts)

// WithBaseURL points the client at another Geoapify-compatible host.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithCacheTTL sets how long resolved addresses are reused.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Opts) { o.CacheTTL = d }
}

// Client calls the Geoapify reverse geocoding endpoint.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	cache   *cache.Cache
}

// NewClient creates a Client for apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg := Opts{BaseURL: DefaultBaseURL, CacheTTL: DefaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: cfg.BaseURL,
		http:    cfg.HTTPClient,
		cache:   cache.New(cfg.CacheTTL, time.Hour),
	}, nil
}

// ReverseGeocode returns the address at lat, lon, or nil when the service knows none.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (*Address, error) {
	key := cacheKey(lat, lon)
	if v, ok := c.cache.Get(key); ok {
		addr := v.(Address)
		return &addr, nil
	}

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("format", "json")
	params.Set("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/geocode/reverse?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build reverse geocode request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reverse geocode: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read reverse geocode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reverse geocode: unexpected status %d: %s", resp.StatusCode, gjson.GetBytes(body, "message").String())
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("reverse geocode: malformed response")
	}

	result := gjson.GetBytes(body, "results.0")
	if !result.Exists() {
		slog.Debug("Client.ReverseGeocode: no result", "lat", lat, "lon", lon)
		return nil, nil
	}
	addr := Address{
		City:    firstNonEmpty(result, "city", "town", "village", "county"),
		Region:  firstNonEmpty(result, "state", "state_code"),
		Country: result.Get("country").String(),
	}
	c.cache.SetDefault(key, addr)
	return &addr, nil
}

// Resolve fills the address fields of loc. loc is returned unchanged when nothing is found.
func (c *Client) Resolve(ctx context.Context, loc models.Location) (models.Location, error) {
	addr, err := c.ReverseGeocode(ctx, loc.Latitude, loc.Longitude)
	if err != nil || addr == nil {
		return loc, err
	}
	loc.City, loc.Region, loc.Country = addr.City, addr.Region, addr.Country
	return loc, nil
}

func firstNonEmpty(r gjson.Result, fields ...string) string {
	for _, f := range fields {
		if v := r.Get(f).String(); v != "" {
			return v
		}
	}
	return ""
}

// cacheKey rounds to about 100m so nearby shares reuse one lookup.
func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.3f,%.3f", lat, lon)
}
