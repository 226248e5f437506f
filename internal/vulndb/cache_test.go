package vulndb_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/vulndb"
	"github.com/anstrom/portscope/internal/vulndb/mocks"
)

func TestCache_HitAfterMiss(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	want := []vulndb.Vulnerability{{CVEID: "CVE-2018-15473", CVSSScore: 5.3, Severity: vulndb.SeverityMedium}}
	source.EXPECT().Lookup(gomock.Any(), "SSH", "7.4").Return(want, nil).Times(1)

	cache := vulndb.NewCache(source, logging.NewNop(), nil)

	for i := 0; i < 3; i++ {
		got, err := cache.Lookup(context.Background(), "SSH", "7.4")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Keys are case-insensitive on the service name.
	got, err := cache.Lookup(context.Background(), "ssh", "7.4")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_FailureCachedAsEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)
	source.EXPECT().
		Lookup(gomock.Any(), "FTP", "2.3.4").
		Return(nil, fmt.Errorf("connection refused")).
		Times(1)

	m := metrics.NewPrometheusMetrics()
	cache := vulndb.NewCache(source, logging.NewNop(), m)

	for i := 0; i < 2; i++ {
		got, err := cache.Lookup(context.Background(), "FTP", "2.3.4")
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}

	count, err := testutil.GatherAndCount(m.GetRegistry(), "portscope_vulndb_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one error series and one hit series")
}

func TestCache_ConcurrentMissesShareOneCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	release := make(chan struct{})
	source.EXPECT().
		Lookup(gomock.Any(), "HTTP", "2.4.49").
		DoAndReturn(func(ctx context.Context, service, version string) ([]vulndb.Vulnerability, error) {
			<-release
			return []vulndb.Vulnerability{{CVEID: "CVE-2021-41773", CVSSScore: 7.5}}, nil
		}).
		MinTimes(1).MaxTimes(2)

	cache := vulndb.NewCache(source, logging.NewNop(), nil)

	var wg sync.WaitGroup
	results := make([][]vulndb.Vulnerability, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cache.Lookup(context.Background(), "HTTP", "2.4.49")
		}(i)
	}
	close(release)
	wg.Wait()

	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, "CVE-2021-41773", r[0].CVEID)
	}
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "mysql@5.5.62", vulndb.CacheKey(" MySQL ", "5.5.62"))
}

func TestNoopSource(t *testing.T) {
	vulns, err := vulndb.NoopSource{}.Lookup(context.Background(), "SSH", "8.0")
	require.NoError(t, err)
	assert.Empty(t, vulns)
}

func TestCache_CancelledCallerDoesNotPoisonEntry(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	release := make(chan struct{})
	want := []vulndb.Vulnerability{{CVEID: "CVE-2018-15473", CVSSScore: 5.3}}
	source.EXPECT().
		Lookup(gomock.Any(), "SSH", "7.4").
		DoAndReturn(func(ctx context.Context, _, _ string) ([]vulndb.Vulnerability, error) {
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return want, nil
		}).
		Times(1)

	cache := vulndb.NewCache(source, logging.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := cache.Lookup(ctx, "SSH", "7.4")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)

	close(release)
	got, err = cache.Lookup(context.Background(), "SSH", "7.4")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCache_CancelledSourceNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	want := []vulndb.Vulnerability{{CVEID: "CVE-2023-25690", CVSSScore: 9.8}}
	gomock.InOrder(
		source.EXPECT().Lookup(gomock.Any(), "HTTP", "2.4.55").Return(nil, context.Canceled),
		source.EXPECT().Lookup(gomock.Any(), "HTTP", "2.4.55").Return(want, nil),
	)

	cache := vulndb.NewCache(source, logging.NewNop(), nil)

	got, err := cache.Lookup(context.Background(), "HTTP", "2.4.55")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, cache.Len())

	got, err = cache.Lookup(context.Background(), "HTTP", "2.4.55")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, cache.Len())
}
