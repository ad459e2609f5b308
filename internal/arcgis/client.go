// Package arcgis is a minimal client for ArcGIS REST map and feature
// services: layer description, object-ID listing and ranged queries.
package arcgis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/johndauphine/ebpa-setup/internal/logging"
)

// Options configures a Client.
type Options struct {
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64 // 0 disables the limiter
	OutSR             int     // 0 keeps the service's spatial reference
	HTTPClient        *http.Client
}

// Client issues map-service requests one at a time.
type Client struct {
	http      *http.Client
	userAgent string
	outSR     int
	limiter   *rate.Limiter
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	c := &Client{
		http:      hc,
		userAgent: opts.UserAgent,
		outSR:     opts.OutSR,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// LayerInfo fetches <layerURL>?f=json.
func (c *Client) LayerInfo(ctx context.Context, layerURL string) (*LayerInfo, error) {
	var info LayerInfo
	if err := c.get(ctx, layerURL, url.Values{"f": {"json"}}, &info); err != nil {
		return nil, err
	}
	if info.MaxRecordCount <= 0 {
		return nil, fmt.Errorf("%s: layer reports no usable maxRecordCount (%d)", layerURL, info.MaxRecordCount)
	}
	return &info, nil
}

// ObjectIDs lists the object IDs matching where, sorted ascending.
func (c *Client) ObjectIDs(ctx context.Context, layerURL, where string) (*IDList, error) {
	params := url.Values{
		"where":         {where},
		"returnIdsOnly": {"true"},
		"f":             {"json"},
	}
	var ids IDList
	if err := c.get(ctx, queryURL(layerURL), params, &ids); err != nil {
		return nil, err
	}
	if ids.ObjectIDFieldName == "" {
		return nil, fmt.Errorf("%s: ID query returned no objectIdFieldName", layerURL)
	}
	sort.Slice(ids.ObjectIDs, func(i, j int) bool { return ids.ObjectIDs[i] < ids.ObjectIDs[j] })
	return &ids, nil
}

// Query runs a feature query and returns one page.
func (c *Client) Query(ctx context.Context, layerURL string, q QueryParams) (*FeatureSet, error) {
	outFields := q.OutFields
	if outFields == "" {
		outFields = "*"
	}
	params := url.Values{
		"where":          {q.Where},
		"returnGeometry": {strconv.FormatBool(q.ReturnGeometry)},
		"outFields":      {outFields},
		"f":              {"json"},
	}
	if c.outSR != 0 {
		params.Set("outSR", strconv.Itoa(c.outSR))
	}

	var fs FeatureSet
	if err := c.get(ctx, queryURL(layerURL), params, &fs); err != nil {
		return nil, err
	}
	return &fs, nil
}

func queryURL(layerURL string) string {
	return strings.TrimRight(layerURL, "/") + "/query"
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	full := endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", full, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", full, err)
	}
	logging.Debug("GET %s -> %d (%d bytes, %s)", full, resp.StatusCode, len(body), time.Since(start).Round(time.Millisecond))

	var env errorEnvelope
	_ = json.Unmarshal(body, &env)
	if env.Error != nil {
		return &ServiceError{
			URL:        full,
			StatusCode: resp.StatusCode,
			Code:       env.Error.Code,
			Message:    env.Error.Message,
			Details:    env.Error.Details,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ServiceError{
			URL:        full,
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", full, err)
	}
	return nil
}
