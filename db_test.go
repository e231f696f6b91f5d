package yodb_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/kedebug/yodb"
	"github.com/stretchr/testify/require"
)

// openTestDB skips the test outright when io_uring is unavailable in
// this environment (sandboxed CI, containers, older kernels) rather
// than failing, mirroring internal/aio's own test skip.
func openTestDB(t *testing.T, opts yodb.Options) *yodb.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.yodb")
	db, err := yodb.Open(path, opts)
	if err != nil {
		var yerr *yodb.Error
		if errors.As(err, &yerr) && yerr.Code == yodb.ErrCodeIOFailure {
			t.Skipf("io_uring unavailable in this environment: %v", err)
		}
		require.NoError(t, err)
	}
	return db
}

func TestOpenRejectsNilComparator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yodb")
	_, err := yodb.Open(path, yodb.Options{})
	require.Error(t, err)
	var yerr *yodb.Error
	require.True(t, errors.As(err, &yerr))
	require.Equal(t, yodb.ErrCodeConfig, yerr.Code)
}

func TestPutGetDelRoundTrip(t *testing.T) {
	db := openTestDB(t, yodb.DefaultOptions())
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	v, ok, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, db.Del([]byte("a")))
	_, ok, err = db.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yodb")
	opts := yodb.DefaultOptions()

	db, err := yodb.Open(path, opts)
	if err != nil {
		var yerr *yodb.Error
		if errors.As(err, &yerr) && yerr.Code == yodb.ErrCodeIOFailure {
			t.Skipf("io_uring unavailable in this environment: %v", err)
		}
		require.NoError(t, err)
	}
	require.NoError(t, db.Put([]byte("durable"), []byte("value")))
	require.NoError(t, db.Close())

	reopened, err := yodb.Open(path, opts)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get([]byte("durable"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value"), v)
}

func TestDenseFillForcesSplitsAndSurvivesReads(t *testing.T) {
	opts := yodb.DefaultOptions()
	opts.MaxNodeMsgCount = 8
	opts.MaxNodeChildNumber = 4
	db := openTestDB(t, opts)
	defer db.Close()

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		require.NoError(t, db.Put(key, key))
	}
	for i := 0; i < n; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		v, ok, err := db.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, key, v)
	}

	require.Greater(t, db.Stats().NodeCount, uint64(1))
}

func TestStatsReflectMetricsWhenEnabled(t *testing.T) {
	opts := yodb.DefaultOptions()
	opts.EnableMetrics = true
	db := openTestDB(t, opts)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	_, _, _ = db.Get([]byte("k"))

	stats := db.Stats()
	require.Equal(t, uint64(1), stats.Metrics.PutOps)
	require.Equal(t, uint64(1), stats.Metrics.GetOps)
}
