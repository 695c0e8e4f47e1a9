package scraper

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtatracker-data/internal/common/db/dbtest"
	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-static/gtfstest"
)

var modTime = time.Date(2024, 2, 28, 9, 30, 0, 0, time.UTC)

type archiveServer struct {
	*httptest.Server
	mu   sync.Mutex
	etag string
	data []byte
	gets atomic.Int32
}

func newArchiveServer(t *testing.T) *archiveServer {
	s := &archiveServer{
		etag: `"rev-1"`,
		data: gtfstest.Archive(t, map[string]string{"stops.txt": gtfstest.Stops, "routes.txt": gtfstest.Routes}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		etag, data := s.etag, s.data
		s.mu.Unlock()
		if r.Method == http.MethodGet {
			s.gets.Add(1)
		}
		w.Header().Set("ETag", etag)
		http.ServeContent(w, r, "gtfs.zip", modTime, bytes.NewReader(data))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *archiveServer) setETag(etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etag = etag
}

func TestFetchMetadata(t *testing.T) {
	srv := newArchiveServer(t)
	f := NewHTTPMetadataFetcher(logger.Nop())

	meta, err := f.FetchMetadata(context.Background(), srv.URL+"/gtfs.zip")
	require.NoError(t, err)
	assert.Equal(t, `"rev-1"`, meta.ETag)
	require.NotNil(t, meta.LastModified)
	assert.True(t, modTime.Equal(*meta.LastModified))
	assert.Equal(t, int64(len(srv.data)), meta.ContentLength)
	assert.Equal(t, "20240228_093000", meta.Revision())
	assert.Zero(t, srv.gets.Load())
}

func TestFetchMetadataErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPMetadataFetcher(logger.Nop()).FetchMetadata(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "404")
}

func fastDownloader() *HTTPDownloader {
	d := NewHTTPDownloader(logger.Nop())
	d.backoff = time.Millisecond
	return d
}

func TestDownload(t *testing.T) {
	srv := newArchiveServer(t)
	dest := filepath.Join(t.TempDir(), "nested", "gtfs.zip")

	require.NoError(t, fastDownloader().Download(context.Background(), srv.URL, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, srv.data, got)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(dest), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("PK"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "gtfs.zip")
	require.NoError(t, fastDownloader().Download(context.Background(), srv.URL, dest))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownloadClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "gtfs.zip")
	err := fastDownloader().Download(context.Background(), srv.URL, dest)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusForbidden, serr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.NoFileExists(t, dest)
}

type recordingLocker struct {
	locks, unlocks int
}

func (l *recordingLocker) LockForImport()     { l.locks++ }
func (l *recordingLocker) UnlockAfterImport() { l.unlocks++ }

func TestCheckAndUpdate(t *testing.T) {
	srv := newArchiveServer(t)
	database := dbtest.Open(t)
	locker := &recordingLocker{}
	dir := t.TempDir()

	s := NewScheduler(Config{
		URL:           srv.URL + "/gtfs.zip",
		CheckInterval: time.Hour,
		DownloadDir:   dir,
		SourceName:    "mta-subway",
	}, database, logger.Nop(), NewHTTPMetadataFetcher(logger.Nop()), fastDownloader(), WithImportLocker(locker))
	ctx := context.Background()

	result, err := s.CheckAndUpdate(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Routes)
	assert.Equal(t, 6, dbtest.Count(t, database, "stops"))
	assert.Equal(t, 1, locker.locks)
	assert.Equal(t, 1, locker.unlocks)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "downloaded archive is removed after import")

	// Unchanged validators skip the download.
	result, err = s.CheckAndUpdate(ctx)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, int32(1), srv.gets.Load())

	srv.setETag(`"rev-2"`)
	result, err = s.CheckAndUpdate(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int32(2), srv.gets.Load())
	assert.Equal(t, 2, locker.locks)
}

func TestCheckAndUpdateFailedImportKeepsLog(t *testing.T) {
	srv := newArchiveServer(t)
	srv.data = gtfstest.Archive(t, map[string]string{"stops.txt": gtfstest.Stops})
	database := dbtest.Open(t)

	s := NewScheduler(Config{
		URL:           srv.URL,
		CheckInterval: time.Hour,
		DownloadDir:   t.TempDir(),
		SourceName:    "mta-subway",
	}, database, logger.Nop(), NewHTTPMetadataFetcher(logger.Nop()), fastDownloader())

	_, err := s.CheckAndUpdate(context.Background())
	assert.ErrorContains(t, err, "importing data")
	assert.Zero(t, dbtest.Count(t, database, "static_imports"))
}

func TestStartValidatesConfig(t *testing.T) {
	database := dbtest.Open(t)
	s := NewScheduler(Config{CheckInterval: time.Hour}, database, logger.Nop(), NewHTTPMetadataFetcher(logger.Nop()), fastDownloader())
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Stop())
}

func TestStartStop(t *testing.T) {
	srv := newArchiveServer(t)
	database := dbtest.Open(t)
	s := NewScheduler(Config{
		URL:           srv.URL,
		CheckInterval: time.Hour,
		DownloadDir:   t.TempDir(),
		SourceName:    "mta-subway",
	}, database, logger.Nop(), NewHTTPMetadataFetcher(logger.Nop()), fastDownloader())

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	require.Eventually(t, func() bool { return dbtest.Count(t, database, "static_imports") == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	assert.NoError(t, <-done)
}
