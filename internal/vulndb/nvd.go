package vulndb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/portscope/internal/errors"
)

const (
	apiKeyEnv   = "NVD_API_KEY"
	apiKeyRate  = 50.0 / 30.0
	maxRetryGap = 60 * time.Second
	userAgent   = "portscope"

	nvdTimeLayout = "2006-01-02T15:04:05.000"
)

// NVDClient queries the NVD CVE 2.0 API by keyword.
type NVDClient struct {
	baseURL        string
	apiKey         string
	resultsPerPage int
	maxRetries     int
	httpClient     *http.Client
	limiter        *rate.Limiter
}

// NewNVDClient creates a client from cfg. The NVD_API_KEY environment
// variable overrides the configured key, and a key lifts the request rate to
// the authenticated limit.
func NewNVDClient(cfg Config) *NVDClient {
	apiKey := cfg.APIKey
	if env := os.Getenv(apiKeyEnv); env != "" {
		apiKey = env
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultConfig().RequestsPerSecond
	}
	if apiKey != "" && rps < apiKeyRate {
		rps = apiKeyRate
	}
	burst := int(rps * 30)
	if burst < 1 {
		burst = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	perPage := cfg.ResultsPerPage
	if perPage <= 0 {
		perPage = DefaultConfig().ResultsPerPage
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}

	return &NVDClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         apiKey,
		resultsPerPage: perPage,
		maxRetries:     retries,
		httpClient:     &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	LastModified string `json:"lastModified"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		CVSSMetricV31 []nvdMetric `json:"cvssMetricV31"`
		CVSSMetricV30 []nvdMetric `json:"cvssMetricV30"`
	} `json:"metrics"`
}

type nvdMetric struct {
	CVSSData struct {
		BaseScore    float64 `json:"baseScore"`
		VectorString string  `json:"vectorString"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

// Lookup searches for CVEs mentioning service and version. Rate limiting
// (HTTP 429) is retried honoring Retry-After; other failures return a
// Lookup error.
func (c *NVDClient) Lookup(ctx context.Context, service, version string) ([]Vulnerability, error) {
	query := url.Values{}
	query.Set("keywordSearch", strings.TrimSpace(service+" "+version))
	query.Set("resultsPerPage", strconv.Itoa(c.resultsPerPage))
	endpoint := c.baseURL + "?" + query.Encode()

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Lookup("rate limiter wait failed", err)
		}

		body, status, header, err := c.get(ctx, endpoint)
		if err != nil {
			lastErr = err
			if sleepErr := sleepContext(ctx, backoff(attempt)); sleepErr != nil {
				return nil, errors.Lookup("lookup cancelled", sleepErr)
			}
			continue
		}

		switch status {
		case http.StatusOK:
			return parseResponse(body)
		case http.StatusNotFound:
			return nil, nil
		case http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited by NVD (status %d)", status)
			wait := backoff(attempt + 1)
			if secs, convErr := strconv.Atoi(header.Get("Retry-After")); convErr == nil {
				wait = time.Duration(secs) * time.Second
			}
			if wait > maxRetryGap {
				wait = maxRetryGap
			}
			if sleepErr := sleepContext(ctx, wait); sleepErr != nil {
				return nil, errors.Lookup("lookup cancelled", sleepErr)
			}
		case http.StatusForbidden:
			msg := "NVD request forbidden"
			if c.apiKey == "" {
				msg += "; set " + apiKeyEnv + " for authenticated access"
			}
			return nil, errors.Lookup(msg, fmt.Errorf("status %d", status))
		default:
			lastErr = fmt.Errorf("unexpected status %d", status)
		}
	}

	return nil, errors.Lookup(fmt.Sprintf("NVD lookup for %s %s failed after %d attempts", service, version, c.maxRetries), lastErr)
}

func (c *NVDClient) get(ctx context.Context, endpoint string) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, resp.Header, nil
}

func parseResponse(body []byte) ([]Vulnerability, error) {
	var resp nvdResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Lookup("failed to parse NVD response", err)
	}

	vulns := make([]Vulnerability, 0, len(resp.Vulnerabilities))
	for _, item := range resp.Vulnerabilities {
		vulns = append(vulns, item.CVE.toVulnerability())
	}
	return vulns, nil
}

func (c nvdCVE) toVulnerability() Vulnerability {
	v := Vulnerability{
		CVEID:        c.ID,
		Published:    parseNVDTime(c.Published),
		LastModified: parseNVDTime(c.LastModified),
	}

	for _, d := range c.Descriptions {
		if d.Lang == "en" || v.Description == "" {
			v.Description = d.Value
		}
		if d.Lang == "en" {
			break
		}
	}

	metrics := c.Metrics.CVSSMetricV31
	if len(metrics) == 0 {
		metrics = c.Metrics.CVSSMetricV30
	}
	if len(metrics) > 0 {
		data := metrics[0].CVSSData
		v.CVSSScore = data.BaseScore
		v.CVSSVector = data.VectorString
		if data.BaseSeverity != "" {
			v.Severity = ParseSeverity(data.BaseSeverity)
		} else {
			v.Severity = SeverityForScore(data.BaseScore)
		}
	} else {
		v.Severity = SeverityLow
	}
	return v
}

func parseNVDTime(s string) time.Time {
	if t, err := time.Parse(nvdTimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
