package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/treefetch/treefetch/pkg/hash"
)

const (
	dirPerm = 0o755

	// DefaultRoot is the store directory under the user's home directory.
	DefaultRoot = ".treefetch/store"
)

// Path is an object-store identifier of the form "<digest>-<name>". It names
// a materialised tree relative to the store root.
type Path string

func (p Path) Name() string {
	_, name, _ := strings.Cut(string(p), "-")
	return name
}

// PathInfo describes a valid store path.
type PathInfo struct {
	Path    Path
	NarHash hash.Hash
	NarSize int64
}

// Store is the content-addressed object store consumed by the fetch
// pipeline. Implementations materialise trees under fixed-output paths
// derived from their content digest.
type Store interface {
	// ToRealPath returns the absolute filesystem path for a store path.
	// Does not check validity.
	ToRealPath(p Path) string
	// IsValidPath reports whether the store path is present.
	IsValidPath(p Path) bool
	// QueryPathInfo returns metadata for a valid store path, including its
	// tree digest.
	QueryPathInfo(p Path) (*PathInfo, error)
	// MakeFixedOutputPath derives the store path for a tree with the given
	// content digest and name.
	MakeFixedOutputPath(recursive bool, h hash.Hash, name string) (Path, error)
	// ParseStorePath parses a store path identifier or an absolute path
	// under the store root.
	ParseStorePath(s string) (Path, error)
	// AddTree ingests the directory at srcDir under its fixed-output path
	// and returns it. Adding an already-present tree is a no-op.
	AddTree(srcDir, name string) (Path, error)
}

var storePathRegexp = regexp.MustCompile(`^[0-9a-f]{32}-[A-Za-z0-9+._?=-]+$`)

type localStore struct {
	root string
}

var _ Store = &localStore{}

// NewLocal returns a store rooted at the given directory, creating it if
// needed.
func NewLocal(root string) (Store, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &localStore{root: root}, nil
}

// Default returns a store rooted at ~/.treefetch/store.
func Default() (Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return NewLocal(filepath.Join(home, DefaultRoot))
}

func (s *localStore) ToRealPath(p Path) string {
	return filepath.Join(s.root, string(p))
}

func (s *localStore) IsValidPath(p Path) bool {
	if !storePathRegexp.MatchString(string(p)) {
		return false
	}
	_, err := os.Stat(s.ToRealPath(p))
	return err == nil
}

func (s *localStore) QueryPathInfo(p Path) (*PathInfo, error) {
	if !s.IsValidPath(p) {
		return nil, fmt.Errorf("store path %q is not valid", p)
	}
	h, size, err := hashTree(s.ToRealPath(p))
	if err != nil {
		return nil, fmt.Errorf("hashing store path %q: %w", p, err)
	}
	return &PathInfo{Path: p, NarHash: h, NarSize: size}, nil
}

func (s *localStore) MakeFixedOutputPath(recursive bool, h hash.Hash, name string) (Path, error) {
	if !h.Defined() {
		return "", fmt.Errorf("fixed-output path for %q needs a content hash", name)
	}
	method := "flat"
	if recursive {
		method = "recursive"
	}
	fingerprint := fmt.Sprintf("fixed:%s:%s:%s", method, h.SRI(), name)
	digest := sha256.Sum256([]byte(fingerprint))
	return Path(hex.EncodeToString(digest[:16]) + "-" + name), nil
}

func (s *localStore) ParseStorePath(raw string) (Path, error) {
	base := raw
	if filepath.IsAbs(raw) {
		rel, err := filepath.Rel(s.root, raw)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.Contains(rel, string(filepath.Separator)) {
			return "", fmt.Errorf("path %q is not directly under the store root", raw)
		}
		base = rel
	}
	if !storePathRegexp.MatchString(base) {
		return "", fmt.Errorf("%q is not a valid store path", raw)
	}
	return Path(base), nil
}

func (s *localStore) AddTree(srcDir, name string) (Path, error) {
	h, _, err := hashTree(srcDir)
	if err != nil {
		return "", fmt.Errorf("hashing tree: %w", err)
	}

	p, err := s.MakeFixedOutputPath(true, h, name)
	if err != nil {
		return "", err
	}

	if s.IsValidPath(p) {
		return p, nil
	}

	dest := s.ToRealPath(p)
	tmp := dest + ".tmp"
	os.RemoveAll(tmp)
	if err := copyTree(srcDir, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("copying tree into store: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		// A concurrent AddTree of the same content may have won the
		// rename; that copy is byte-identical.
		if s.IsValidPath(p) {
			return p, nil
		}
		return "", fmt.Errorf("installing tree into store: %w", err)
	}
	return p, nil
}

// HashTree computes the serialised-tree digest of the directory (or file) at
// path. The digest covers relative names, file type, the executable bit,
// symlink targets, and file contents, walking in sorted order for
// determinism.
func HashTree(path string) (hash.Hash, error) {
	h, _, err := hashTree(path)
	return h, err
}

func hashTree(root string) (hash.Hash, int64, error) {
	h := sha256.New()
	var size int64

	info, err := os.Lstat(root)
	if err != nil {
		return hash.Hash{}, 0, err
	}

	if !info.IsDir() {
		size, err = hashTreeEntry(h, root, ".", info)
		if err != nil {
			return hash.Hash{}, 0, err
		}
		return hash.Hash{Algo: hash.SHA256, Bytes: h.Sum(nil)}, size, nil
	}

	var entries []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, rel)
		return nil
	})
	if err != nil {
		return hash.Hash{}, 0, err
	}

	sort.Strings(entries)

	for _, rel := range entries {
		full := filepath.Join(root, rel)
		info, err := os.Lstat(full)
		if err != nil {
			return hash.Hash{}, 0, err
		}
		n, err := hashTreeEntry(h, full, rel, info)
		if err != nil {
			return hash.Hash{}, 0, err
		}
		size += n
	}

	return hash.Hash{Algo: hash.SHA256, Bytes: h.Sum(nil)}, size, nil
}

func hashTreeEntry(h io.Writer, path, rel string, info os.FileInfo) (int64, error) {
	switch {
	case info.IsDir():
		fmt.Fprintf(h, "dir:%s\x00", rel)
		return 0, nil
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return 0, err
		}
		fmt.Fprintf(h, "link:%s\x00%s\x00", rel, target)
		return 0, nil
	default:
		kind := "file"
		if info.Mode()&0o111 != 0 {
			kind = "exec"
		}
		fmt.Fprintf(h, "%s:%s\x00", kind, rel)
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		n, err := io.Copy(h, f)
		if err != nil {
			return 0, err
		}
		fmt.Fprintf(h, "\x00")
		return n, nil
	}
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, dirPerm)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		}
	})
}
