package vulndb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscope/internal/errors"
)

const sampleResponse = `{
  "resultsPerPage": 2,
  "vulnerabilities": [
    {
      "cve": {
        "id": "CVE-2018-15473",
        "published": "2018-08-17T19:29:00.297",
        "lastModified": "2024-11-21T03:51:00.000",
        "descriptions": [
          {"lang": "es", "value": "OpenSSH hasta 7.7"},
          {"lang": "en", "value": "OpenSSH through 7.7 is prone to a user enumeration vulnerability"}
        ],
        "metrics": {
          "cvssMetricV31": [
            {"cvssData": {"baseScore": 5.3, "vectorString": "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:N/A:N", "baseSeverity": "MEDIUM"}}
          ]
        }
      }
    },
    {
      "cve": {
        "id": "CVE-2016-10009",
        "published": "2017-01-05T02:59:00Z",
        "lastModified": "2017-01-06T02:59:00Z",
        "descriptions": [{"lang": "en", "value": "Untrusted search path vulnerability in ssh-agent"}],
        "metrics": {
          "cvssMetricV30": [
            {"cvssData": {"baseScore": 9.8, "vectorString": "CVSS:3.0/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"}}
          ]
        }
      }
    }
  ]
}`

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.BaseURL = url
	cfg.RequestsPerSecond = 1000
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestNVDClient_Lookup(t *testing.T) {
	t.Setenv(apiKeyEnv, "")

	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("keywordSearch")
		gotKey = r.Header.Get("apiKey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	client := NewNVDClient(testConfig(srv.URL))
	vulns, err := client.Lookup(context.Background(), "OpenSSH", "7.4")
	require.NoError(t, err)
	require.Len(t, vulns, 2)

	assert.Equal(t, "OpenSSH 7.4", gotQuery)
	assert.Empty(t, gotKey)

	first := vulns[0]
	assert.Equal(t, "CVE-2018-15473", first.CVEID)
	assert.Equal(t, "OpenSSH through 7.7 is prone to a user enumeration vulnerability", first.Description)
	assert.Equal(t, SeverityMedium, first.Severity)
	assert.InDelta(t, 5.3, first.CVSSScore, 1e-9)
	assert.Contains(t, first.CVSSVector, "CVSS:3.1")
	assert.Equal(t, 2018, first.Published.Year())

	second := vulns[1]
	assert.Equal(t, SeverityCritical, second.Severity, "severity derived from score when absent")
	assert.InDelta(t, 9.8, second.CVSSScore, 1e-9)
	assert.Equal(t, 2017, second.LastModified.Year())
}

func TestNVDClient_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv(apiKeyEnv, "secret-key")

	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apiKey")
		_, _ = w.Write([]byte(`{"vulnerabilities": []}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.APIKey = "from-config"
	vulns, err := NewNVDClient(cfg).Lookup(context.Background(), "nginx", "1.18.0")
	require.NoError(t, err)
	assert.Empty(t, vulns)
	assert.Equal(t, "secret-key", gotKey)
}

func TestNVDClient_RetriesAfterRateLimit(t *testing.T) {
	t.Setenv(apiKeyEnv, "")

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	vulns, err := NewNVDClient(testConfig(srv.URL)).Lookup(context.Background(), "OpenSSH", "7.4")
	require.NoError(t, err)
	assert.Len(t, vulns, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestNVDClient_Failures(t *testing.T) {
	t.Setenv(apiKeyEnv, "")

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "forbidden", status: http.StatusForbidden, body: "denied"},
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "malformed body", status: http.StatusOK, body: "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			cfg := testConfig(srv.URL)
			cfg.MaxRetries = 1
			_, err := NewNVDClient(cfg).Lookup(context.Background(), "ftp", "2.3.4")
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindLookup))
		})
	}
}

func TestNVDClient_NotFoundIsEmpty(t *testing.T) {
	t.Setenv(apiKeyEnv, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	vulns, err := NewNVDClient(testConfig(srv.URL)).Lookup(context.Background(), "telnet", "1.0")
	require.NoError(t, err)
	assert.Empty(t, vulns)
}

func TestSeverityForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{0, SeverityLow},
		{3.9, SeverityLow},
		{4.0, SeverityMedium},
		{7.5, SeverityHigh},
		{9.0, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityForScore(tt.score), "score %.1f", tt.score)
	}
	assert.Equal(t, SeverityHigh, ParseSeverity(" high "))
	assert.Equal(t, SeverityLow, ParseSeverity("bogus"))
}

func TestCache_NVDFillSurvivesCancelledCaller(t *testing.T) {
	t.Setenv(apiKeyEnv, "")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	cache := NewCache(NewNVDClient(testConfig(srv.URL)), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = cache.Lookup(ctx, "OpenSSH", "7.4")

	vulns, err := cache.Lookup(context.Background(), "OpenSSH", "7.4")
	require.NoError(t, err)
	assert.Len(t, vulns, 2)
	assert.Equal(t, int32(1), hits.Load())
}
