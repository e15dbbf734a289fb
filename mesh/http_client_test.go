package mesh

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scanner serves the given statuses in order, then body for every later request
type scanner struct {
	statuses []int
	body     []byte
	hits     atomic.Int32
}

func (s *scanner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(s.hits.Add(1))
	if n <= len(s.statuses) {
		w.WriteHeader(s.statuses[n-1])
		return
	}
	_, _ = w.Write(s.body)
}

func serveScanner(t *testing.T, s *scanner) SourceConfig {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	url := srv.URL
	return SourceConfig{ID: "nether", Topic: "scans/nether", ApiURL: &url}
}

func fastRetries(n int) []FetchOption {
	return []FetchOption{WithMaxRetries(n), WithBaseBackoff(time.Millisecond)}
}

func TestFetchSourceScan_KeepsNamedSource(t *testing.T) {
	src := serveScanner(t, &scanner{body: []byte(sampleScanJSON)})

	scan, err := FetchSourceScan(t.Context(), src)
	require.NoError(t, err)
	assert.Equal(t, "overworld", scan.Source)
	assert.Len(t, scan.Entities, 3)
}

func TestFetchSourceScan_AttributesUnnamedScan(t *testing.T) {
	src := serveScanner(t, &scanner{body: []byte(`{"entities": [{"x": 1, "y": 64, "z": -3}]}`)})

	scan, err := FetchSourceScan(t.Context(), src)
	require.NoError(t, err)
	assert.Equal(t, "nether", scan.Source)
	assert.Equal(t, []Entity{{Pos: Point{1, 64, -3}}}, scan.Entities)
}

func TestFetchSourceScan_SendsAccept(t *testing.T) {
	var accept atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept.Store(r.Header.Get("Accept"))
		_, _ = w.Write([]byte(sampleScanJSON))
	}))
	defer srv.Close()
	url := srv.URL

	_, err := FetchSourceScan(t.Context(), SourceConfig{ID: "a", ApiURL: &url})
	require.NoError(t, err)
	assert.Contains(t, accept.Load(), "application/zstd")
	assert.Contains(t, accept.Load(), "application/json")
}

func TestFetchSourceScan_NoAPIURL(t *testing.T) {
	empty := ""
	for _, src := range []SourceConfig{{ID: "end"}, {ID: "end", ApiURL: &empty}} {
		_, err := FetchSourceScan(t.Context(), src)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `fetch scan "end"`)
		assert.Contains(t, err.Error(), "no apiUrl")
	}
}

func TestFetchSourceScan_RetryPolicy(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		wantErr  bool
		wantHits int32
	}{
		{"server errors then success", []int{500, 502}, false, 3},
		{"throttled then success", []int{http.StatusTooManyRequests}, false, 2},
		{"not found is final", []int{404}, true, 1},
		{"forbidden is final", []int{403}, true, 1},
		{"unavailable until exhausted", []int{503, 503, 503}, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scanner{statuses: tt.statuses, body: []byte(sampleScanJSON)}
			src := serveScanner(t, s)

			scan, err := FetchSourceScan(t.Context(), src, fastRetries(3)...)
			assert.Equal(t, tt.wantHits, s.hits.Load())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), `fetch scan "nether"`)
				return
			}
			require.NoError(t, err)
			assert.Len(t, scan.Entities, 3)
		})
	}
}

func TestFetchSourceScan_ExhaustedNamesAttempts(t *testing.T) {
	src := serveScanner(t, &scanner{statuses: []int{500, 500}})

	_, err := FetchSourceScan(t.Context(), src, fastRetries(2)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
	assert.Contains(t, err.Error(), "status 500")
}

func TestFetchSourceScan_DecodeErrorNotRetried(t *testing.T) {
	s := &scanner{body: []byte(`{"entities": [{"x": 1}]}`)}
	src := serveScanner(t, s)

	_, err := FetchSourceScan(t.Context(), src, fastRetries(3)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scan")
	assert.Equal(t, int32(1), s.hits.Load())
}

func TestFetchSourceScan_ContextCancelled(t *testing.T) {
	src := serveScanner(t, &scanner{statuses: []int{500, 500, 500}})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := FetchSourceScan(ctx, src, fastRetries(3)...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestFetchSourceScan_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(sampleScanJSON))
	}))
	defer srv.Close()
	url := srv.URL

	_, err := FetchSourceScan(t.Context(), SourceConfig{ID: "slow", ApiURL: &url},
		WithTimeout(10*time.Millisecond), WithMaxRetries(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `fetch scan "slow"`)
}

func TestFetchSourceScan_BodyLimitsByEncoding(t *testing.T) {
	doc := []byte(`{"source": "nether", "entities": [` +
		string(bytes.Repeat([]byte(`{"x": 1, "y": 2, "z": 3},`), 40)) +
		`{"x": 4, "y": 5, "z": 6}]}`)
	scan, err := ParseScanJSON(doc)
	require.NoError(t, err)
	packed, err := CompressScan(scan)
	require.NoError(t, err)
	require.Less(t, len(packed), 256, "compressed scan should fit under the zstd limit")

	limits := WithBodyLimits(256, 256)

	t.Run("plain JSON over limit", func(t *testing.T) {
		s := &scanner{body: doc}
		src := serveScanner(t, s)
		_, err := FetchSourceScan(t.Context(), src, append(fastRetries(3), limits)...)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrScanTooLarge), "got %v", err)
		assert.Equal(t, int32(1), s.hits.Load(), "oversized bodies are not retried")
	})

	t.Run("zstd under compressed limit", func(t *testing.T) {
		src := serveScanner(t, &scanner{body: packed})
		got, err := FetchSourceScan(t.Context(), src, limits)
		require.NoError(t, err)
		assert.Len(t, got.Entities, 2)
	})

	t.Run("zstd over compressed limit", func(t *testing.T) {
		src := serveScanner(t, &scanner{body: packed})
		_, err := FetchSourceScan(t.Context(), src, WithBodyLimits(256, 8))
		assert.True(t, errors.Is(err, ErrScanTooLarge), "got %v", err)
	})
}

func TestFetchSourceScan_HTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleScanJSON))
	}))
	defer srv.Close()
	url := srv.URL

	scan, err := FetchSourceScan(t.Context(), SourceConfig{ID: "tls", ApiURL: &url}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.Equal(t, "overworld", scan.Source)
}

func TestFetchOptions_Defaults(t *testing.T) {
	cfg := defaultFetchConfig()
	assert.Equal(t, DefaultFetchTimeout, cfg.timeout)
	assert.Equal(t, DefaultMaxRetries, cfg.maxRetries)
	assert.Equal(t, defaultBaseBackoff, cfg.baseBackoff)
	assert.Equal(t, int64(maxDecodedBytes), cfg.maxJSON)
	assert.Equal(t, int64(maxCompressedBytes), cfg.maxZstd)
	assert.Nil(t, cfg.client)
}
