package download

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/natefinch/atomic"
	"sigs.k8s.io/yaml"

	"github.com/treefetch/treefetch/pkg/store"
)

// TTLForever marks a request whose cached result never needs revalidation
// (the URL already pins immutable content).
const TTLForever = time.Duration(math.MaxInt64)

const (
	dirPerm   = 0o755
	userAgent = "treefetch (+https://github.com/treefetch/treefetch)"
)

// Request describes a cached download.
type Request struct {
	URL string
	// TTL is how long a previously downloaded result may be reused without
	// revalidation.
	TTL time.Duration
	// Unpack extracts the response as a gzipped tarball, strips its single
	// top-level directory, and ingests the tree into the store.
	Unpack bool
	// Name is the store name for unpacked trees. Defaults to "source".
	Name string
	// GetLastModified requests last-modified metadata in the result.
	GetLastModified bool
}

// Result is a completed (possibly cache-served) download.
type Result struct {
	// Path is the artifact on disk: the cached response body, or the real
	// path of the unpacked tree.
	Path string
	// StorePath is set for unpacked trees.
	StorePath store.Path
	// LastModified is epoch seconds, 0 when unknown or not requested.
	LastModified int64
	Etag         string
}

// Error wraps a downloader failure for a given URL.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("downloading %q: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Downloader fetches URLs through an on-disk cache. TTL drives revalidation.
type Downloader interface {
	DownloadCached(ctx context.Context, st store.Store, req Request) (*Result, error)
}

// CachedDownloader is the HTTP implementation of Downloader. Each response is
// cached under sha256(url) in CacheDir with a metadata sidecar; within the
// request TTL a cached result is served with no network traffic, past it the
// entry is revalidated with If-None-Match.
type CachedDownloader struct {
	CacheDir string
	Client   *http.Client
}

var _ Downloader = &CachedDownloader{}

func New(cacheDir string) *CachedDownloader {
	return &CachedDownloader{CacheDir: cacheDir, Client: http.DefaultClient}
}

// entryInfo is the sidecar persisted next to each cached download.
type entryInfo struct {
	URL          string `json:"url"`
	Etag         string `json:"etag,omitempty"`
	LastModified int64  `json:"lastModified,omitempty"`
	FetchedAt    int64  `json:"fetchedAt"`
	StorePath    string `json:"storePath,omitempty"`
}

func (d *CachedDownloader) DownloadCached(ctx context.Context, st store.Store, req Request) (*Result, error) {
	if req.Name == "" {
		req.Name = "source"
	}

	key := cacheKey(req.URL)
	infoPath := filepath.Join(d.CacheDir, key+".info")
	dataPath := filepath.Join(d.CacheDir, key+".data")

	info, haveInfo := d.readInfo(infoPath, req.URL)

	// A sidecar whose artifact is gone must not send a validator: a 304
	// would leave nothing to serve. Treat it as a plain miss instead.
	var cached *Result
	if haveInfo {
		if res, ok := d.cachedResult(st, req, info, dataPath); ok {
			if time.Since(time.Unix(info.FetchedAt, 0)) <= req.TTL {
				return res, nil
			}
			// Stale but present: revalidate below, serving the cached
			// copy on 304.
			cached = res
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if cached != nil && info.Etag != "" {
		httpReq.Header.Set("If-None-Match", info.Etag)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		info.FetchedAt = time.Now().Unix()
		if err := d.writeInfo(infoPath, info); err != nil {
			return nil, err
		}
		return cached, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{URL: req.URL, Err: fmt.Errorf("unexpected HTTP status %q", resp.Status)}
	}

	newInfo := &entryInfo{
		URL:       req.URL,
		Etag:      resp.Header.Get("Etag"),
		FetchedAt: time.Now().Unix(),
	}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		newInfo.LastModified = t.Unix()
	}

	var res *Result
	if req.Unpack {
		res, err = d.unpack(st, req, resp.Body, newInfo)
	} else {
		res, err = d.save(req, resp.Body, dataPath, newInfo)
	}
	if err != nil {
		return nil, err
	}

	if err := d.writeInfo(infoPath, newInfo); err != nil {
		return nil, err
	}
	return res, nil
}

// cachedResult reconstructs a Result from a sidecar, reporting false when the
// artifact it refers to is gone.
func (d *CachedDownloader) cachedResult(st store.Store, req Request, info *entryInfo, dataPath string) (*Result, bool) {
	res := &Result{Etag: info.Etag}
	if req.GetLastModified {
		res.LastModified = info.LastModified
	}

	if req.Unpack {
		if info.StorePath == "" {
			return nil, false
		}
		p := store.Path(info.StorePath)
		if !st.IsValidPath(p) {
			return nil, false
		}
		res.StorePath = p
		res.Path = st.ToRealPath(p)
		return res, true
	}

	if _, err := os.Stat(dataPath); err != nil {
		return nil, false
	}
	res.Path = dataPath
	return res, true
}

func (d *CachedDownloader) save(req Request, body io.Reader, dataPath string, info *entryInfo) (*Result, error) {
	if err := os.MkdirAll(d.CacheDir, dirPerm); err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}
	if err := atomic.WriteFile(dataPath, body); err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}
	res := &Result{Path: dataPath, Etag: info.Etag}
	if req.GetLastModified {
		res.LastModified = info.LastModified
	}
	return res, nil
}

func (d *CachedDownloader) unpack(st store.Store, req Request, body io.Reader, info *entryInfo) (*Result, error) {
	if err := os.MkdirAll(d.CacheDir, dirPerm); err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}
	tmp, err := os.MkdirTemp(d.CacheDir, "unpack-")
	if err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}
	defer os.RemoveAll(tmp)

	latest, err := extractTarGz(body, tmp)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: fmt.Errorf("unpacking tarball: %w", err)}
	}
	if info.LastModified == 0 && latest > 0 {
		info.LastModified = latest
	}

	storePath, err := st.AddTree(tmp, req.Name)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}
	info.StorePath = string(storePath)

	res := &Result{
		Path:      st.ToRealPath(storePath),
		StorePath: storePath,
		Etag:      info.Etag,
	}
	if req.GetLastModified {
		res.LastModified = info.LastModified
	}
	return res, nil
}

func (d *CachedDownloader) readInfo(infoPath, url string) (*entryInfo, bool) {
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, false
	}
	var info entryInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, false
	}
	// sha256 collisions aside, a mismatched URL means a corrupt sidecar.
	if info.URL != url {
		return nil, false
	}
	return &info, true
}

func (d *CachedDownloader) writeInfo(infoPath string, info *entryInfo) error {
	data, err := yaml.Marshal(info)
	if err != nil {
		return &Error{URL: info.URL, Err: err}
	}
	if err := atomic.WriteFile(infoPath, bytes.NewReader(data)); err != nil {
		return &Error{URL: info.URL, Err: err}
	}
	return nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}

// extractTarGz unpacks a gzipped tarball into dest, stripping the single
// top-level directory that forge tarballs carry. Returns the newest entry
// modification time in epoch seconds.
func extractTarGz(r io.Reader, dest string) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	var latest int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}

		rel, ok := stripTopLevel(hdr.Name)
		if !ok {
			continue
		}
		if !filepath.IsLocal(rel) {
			return 0, fmt.Errorf("tarball entry %q escapes the target directory", hdr.Name)
		}
		target := filepath.Join(dest, rel)

		if m := hdr.ModTime.Unix(); m > latest {
			latest = m
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return 0, err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
				return 0, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return 0, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
				return 0, err
			}
			perm := os.FileMode(0o644)
			if hdr.FileInfo().Mode()&0o111 != 0 {
				perm = 0o755
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return 0, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return 0, err
			}
			if err := f.Close(); err != nil {
				return 0, err
			}
		}
	}
	return latest, nil
}

// stripTopLevel drops the first path component of a tar entry name. Forge
// tarballs place everything under "<owner>-<repo>-<rev>/".
func stripTopLevel(name string) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	_, rest, ok := strings.Cut(name, "/")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
