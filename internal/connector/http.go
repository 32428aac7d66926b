package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SourceConfig configures the HTTP client for one upstream source
type SourceConfig struct {
	BaseURL       string  `toml:"base_url"`
	Token         string  `toml:"token"`
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`

	// gjson path of the record count in a successful response body
	RecordsPath string `toml:"records_path"`
	// gjson path of the error text in a failed response body
	ErrorPath string `toml:"error_path"`
}

// DefaultSourceConfig returns conservative rate limits
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		RatePerSecond: 5,
		Burst:         5,
		RecordsPath:   "records",
		ErrorPath:     "error",
	}
}

// Config maps each source to its client settings
type Config struct {
	MB  SourceConfig `toml:"mb"`
	Nex SourceConfig `toml:"nex"`
}

// DefaultConfig returns defaults for every source
func DefaultConfig() Config {
	return Config{MB: DefaultSourceConfig(), Nex: DefaultSourceConfig()}
}

// For returns the settings for src.
func (c Config) For(src Source) SourceConfig {
	if src == SourceNex {
		return c.Nex
	}
	return c.MB
}

type sourceClient struct {
	cfg     SourceConfig
	limiter *rate.Limiter
}

// HTTPGateway calls each upstream's sync API:
//
//	POST {base_url}/schools/{school_id}/sync/{endpoint}
//
// Calls are throttled per source. No retries are attempted.
type HTTPGateway struct {
	client  *http.Client
	sources map[Source]*sourceClient
	logger  *zap.Logger
}

// NewHTTPGateway builds a gateway for every source with a base URL configured.
// Timeouts come from the caller's context.
func NewHTTPGateway(cfg Config, client *http.Client, logger *zap.Logger) (*HTTPGateway, error) {
	if client == nil {
		client = &http.Client{}
	}
	g := &HTTPGateway{
		client:  client,
		sources: make(map[Source]*sourceClient),
		logger:  logger.Named("connector"),
	}

	for _, src := range Sources {
		sc := cfg.For(src)
		if sc.BaseURL == "" {
			continue
		}
		if _, err := url.Parse(sc.BaseURL); err != nil {
			return nil, errors.Wrapf(err, "invalid base_url for source %s", src)
		}
		limit := rate.Inf
		if sc.RatePerSecond > 0 {
			limit = rate.Limit(sc.RatePerSecond)
		}
		burst := sc.Burst
		if burst <= 0 {
			burst = 1
		}
		if sc.RecordsPath == "" {
			sc.RecordsPath = "records"
		}
		if sc.ErrorPath == "" {
			sc.ErrorPath = "error"
		}
		g.sources[src] = &sourceClient{cfg: sc, limiter: rate.NewLimiter(limit, burst)}
	}

	return g, nil
}

// Sync implements Gateway.
func (g *HTTPGateway) Sync(ctx context.Context, school School, endpoint Endpoint) (Result, error) {
	sc, ok := g.sources[school.Source]
	if !ok {
		return Result{}, errors.Newf("source %s is not configured", school.Source)
	}

	if err := sc.limiter.Wait(ctx); err != nil {
		return Result{}, errors.Wrap(err, "rate limiter")
	}

	target := fmt.Sprintf("%s/schools/%s/sync/%s",
		strings.TrimRight(sc.cfg.BaseURL, "/"),
		url.PathEscape(school.ID),
		url.PathEscape(string(endpoint)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return Result{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if sc.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sc.cfg.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, sc.cfg.ErrorPath).String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return Result{}, errors.Newf("upstream returned %d: %s", resp.StatusCode, msg)
	}

	records := gjson.GetBytes(body, sc.cfg.RecordsPath)
	g.logger.Debug("endpoint synced",
		zap.String("school_id", school.ID),
		zap.String("source", string(school.Source)),
		zap.String("endpoint", string(endpoint)),
		zap.Int64("records", records.Int()))

	return Result{Records: int(records.Int())}, nil
}
