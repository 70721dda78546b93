package download

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treefetch/treefetch/pkg/store"
)

// makeTarGz builds a gzipped tarball with everything under a single
// top-level directory, the way forge tarballs are laid out.
func makeTarGz(t *testing.T, topLevel string, files map[string]string, modTime time.Time) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     topLevel + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  modTime,
	}))
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     topLevel + "/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  modTime,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewLocal(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestDownloadCachesWithinTTL(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"sha":"abc"}`))
	}))
	defer srv.Close()

	d := New(t.TempDir())
	st := testStore(t)
	ctx := context.Background()

	req := Request{URL: srv.URL + "/commits/master", TTL: time.Hour}

	res, err := d.DownloadCached(ctx, st, req)
	require.NoError(t, err)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, `{"sha":"abc"}`, string(data))
	assert.Equal(t, 1, hits)

	// Second request within the TTL is served from disk.
	res, err = d.DownloadCached(ctx, st, req)
	require.NoError(t, err)
	data, err = os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, `{"sha":"abc"}`, string(data))
	assert.Equal(t, 1, hits)
}

func TestDownloadRevalidatesWithEtag(t *testing.T) {
	var hits, notModified int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d := New(t.TempDir())
	st := testStore(t)
	ctx := context.Background()

	// Zero TTL: every call revalidates.
	req := Request{URL: srv.URL + "/data", TTL: 0}

	res, err := d.DownloadCached(ctx, st, req)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, res.Etag)

	res, err = d.DownloadCached(ctx, st, req)
	require.NoError(t, err)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, notModified)
}

func TestDownloadRedownloadsAfterBodyLoss(t *testing.T) {
	var hits, notModified int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	d := New(cacheDir)
	st := testStore(t)
	ctx := context.Background()

	req := Request{URL: srv.URL + "/data", TTL: time.Hour}

	_, err := d.DownloadCached(ctx, st, req)
	require.NoError(t, err)
	require.Equal(t, 1, hits)

	// Drop the cached body, keeping the sidecar. The next fetch must not
	// revalidate with the orphaned etag (a 304 would leave nothing to
	// serve) but download the body again.
	bodies, err := filepath.Glob(filepath.Join(cacheDir, "*.data"))
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	require.NoError(t, os.Remove(bodies[0]))

	res, err := d.DownloadCached(ctx, st, req)
	require.NoError(t, err)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 2, hits)
	assert.Equal(t, 0, notModified)
}

func TestDownloadUnpack(t *testing.T) {
	modTime := time.Unix(1700000000, 0)
	tarball := makeTarGz(t, "alice-proj-0123456", map[string]string{
		"main.go":   "package main\n",
		"sub/a.txt": "alpha",
	}, modTime)

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(tarball)
	}))
	defer srv.Close()

	d := New(t.TempDir())
	st := testStore(t)
	ctx := context.Background()

	req := Request{URL: srv.URL + "/tarball", TTL: TTLForever, Unpack: true, GetLastModified: true}

	res, err := d.DownloadCached(ctx, st, req)
	require.NoError(t, err)
	require.NotEmpty(t, res.StorePath)
	assert.True(t, st.IsValidPath(res.StorePath))
	assert.Equal(t, st.ToRealPath(res.StorePath), res.Path)
	assert.Equal(t, modTime.Unix(), res.LastModified)

	// The top-level directory is stripped.
	data, err := os.ReadFile(filepath.Join(res.Path, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	// Second fetch under an infinite TTL touches the network zero times.
	res2, err := d.DownloadCached(ctx, st, req)
	require.NoError(t, err)
	assert.Equal(t, res.StorePath, res2.StorePath)
	assert.Equal(t, res.LastModified, res2.LastModified)
	assert.Equal(t, 1, hits)
}

func TestDownloadErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	d := New(t.TempDir())
	st := testStore(t)

	_, err := d.DownloadCached(context.Background(), st, Request{URL: srv.URL + "/missing", TTL: time.Hour})
	require.Error(t, err)

	var derr *Error
	assert.ErrorAs(t, err, &derr)

	// A failed download leaves no cache entry behind.
	_, err = d.DownloadCached(context.Background(), st, Request{URL: srv.URL + "/missing", TTL: time.Hour})
	assert.Error(t, err)
}

func TestDownloadRejectsEscapingTarball(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "top/../../evil.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     4,
		ModTime:  time.Now(),
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	d := New(t.TempDir())
	st := testStore(t)

	_, err = d.DownloadCached(context.Background(), st, Request{URL: srv.URL, TTL: time.Hour, Unpack: true})
	require.Error(t, err)
}
