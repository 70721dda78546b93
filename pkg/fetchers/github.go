package fetchers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/treefetch/treefetch/pkg/attrs"
	"github.com/treefetch/treefetch/pkg/cache"
	"github.com/treefetch/treefetch/pkg/config"
	"github.com/treefetch/treefetch/pkg/download"
	"github.com/treefetch/treefetch/pkg/hash"
	"github.com/treefetch/treefetch/pkg/store"
)

var (
	ownerRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	repoRegexp  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	revRegexp   = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
	refRegexp   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./-]*$`)
)

// GitHubOptions configures a hosted-git-forge scheme instance. The zero
// value targets github.com.
type GitHubOptions struct {
	// Kind is the scheme tag and URL scheme. Defaults to "github".
	Kind string
	// Host serves clone URLs. Defaults to "github.com". May carry an
	// explicit scheme, e.g. "file:///srv/mirror", for forges not reachable
	// over https.
	Host string
	// APIHost serves the REST API. Defaults to "api.github.com". May carry
	// an explicit scheme, e.g. "http://127.0.0.1:8080", for forges not
	// reachable over https.
	APIHost string
	// DefaultBranch is used when an input names no ref. Defaults to
	// "master".
	DefaultBranch string
	// AccessToken, when set, is appended to tarball URLs. Never part of
	// cache keys.
	AccessToken string
	// TarballTTL is how long a mutable-ref resolution stays fresh.
	// Defaults to config.DefaultTarballTTL seconds.
	TarballTTL time.Duration
}

// GitHubScheme fetches source trees from a GitHub-style forge. One instance
// serves one forge; register several for several forges.
type GitHubScheme struct {
	opts       GitHubOptions
	cache      cache.Cache
	downloader download.Downloader
}

var _ InputScheme = &GitHubScheme{}

func NewGitHubScheme(c cache.Cache, d download.Downloader, opts GitHubOptions) *GitHubScheme {
	if opts.Kind == "" {
		opts.Kind = "github"
	}
	if opts.Host == "" {
		opts.Host = "github.com"
	}
	if opts.APIHost == "" {
		opts.APIHost = "api.github.com"
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "master"
	}
	if opts.TarballTTL == 0 {
		opts.TarballTTL = config.DefaultTarballTTL * time.Second
	}
	return &GitHubScheme{opts: opts, cache: c, downloader: d}
}

func (s *GitHubScheme) apiBase() string {
	if strings.Contains(s.opts.APIHost, "://") {
		return s.opts.APIHost
	}
	return "https://" + s.opts.APIHost
}

func (s *GitHubScheme) cloneBase() string {
	if strings.Contains(s.opts.Host, "://") {
		return s.opts.Host
	}
	return "https://" + s.opts.Host
}

func (s *GitHubScheme) FromURL(u *URL) (Input, error) {
	if u.Scheme != s.opts.Kind {
		return nil, nil
	}

	path := u.PathSegments()
	in := &GitHubInput{scheme: s}

	switch len(path) {
	case 2:
	case 3:
		switch {
		case revRegexp.MatchString(path[2]):
			h, err := hash.FromHex(hash.SHA1, strings.ToLower(path[2]))
			if err != nil {
				return nil, &BadURLError{URL: u.Raw, Reason: err.Error()}
			}
			in.Rev = &h
		case refRegexp.MatchString(path[2]):
			ref := path[2]
			in.Ref = &ref
		default:
			return nil, &BadURLError{URL: u.Raw, Reason: fmt.Sprintf("%q is not a commit hash or branch/tag name", path[2])}
		}
	default:
		return nil, &BadURLError{URL: u.Raw, Reason: "expected owner/repo with an optional ref or rev"}
	}

	if v, ok := u.Query["rev"]; ok {
		if in.Rev != nil {
			return nil, &BadURLError{URL: u.Raw, Reason: "contains multiple commit hashes"}
		}
		h, err := hash.FromHex(hash.SHA1, strings.ToLower(v))
		if err != nil {
			return nil, &BadURLError{URL: u.Raw, Reason: err.Error()}
		}
		in.Rev = &h
	}
	if v, ok := u.Query["ref"]; ok {
		if !refRegexp.MatchString(v) {
			return nil, &BadURLError{URL: u.Raw, Reason: fmt.Sprintf("%q is not a valid branch/tag name", v)}
		}
		if in.Ref != nil {
			return nil, &BadURLError{URL: u.Raw, Reason: "contains multiple branch/tag names"}
		}
		in.Ref = &v
	}

	if in.Ref != nil && in.Rev != nil {
		return nil, &BadURLError{URL: u.Raw, Reason: "contains both a commit hash and a branch/tag name"}
	}

	if !ownerRegexp.MatchString(path[0]) {
		return nil, &BadURLError{URL: u.Raw, Reason: fmt.Sprintf("%q is not a valid owner name", path[0])}
	}
	if !repoRegexp.MatchString(path[1]) {
		return nil, &BadURLError{URL: u.Raw, Reason: fmt.Sprintf("%q is not a valid repository name", path[1])}
	}
	in.Owner = path[0]
	in.Repo = path[1]

	return in, nil
}

func (s *GitHubScheme) FromAttrs(a attrs.Attrs) (Input, error) {
	if kind, ok := a.MaybeGetString("type"); !ok || kind != s.opts.Kind {
		return nil, nil
	}

	for name := range a {
		switch name {
		case "type", "owner", "repo", "ref", "rev", "narHash":
		default:
			return nil, &UnsupportedAttrError{Kind: s.opts.Kind, Attr: name}
		}
	}

	in := &GitHubInput{scheme: s}

	var err error
	if in.Owner, err = a.GetString("owner"); err != nil {
		return nil, err
	}
	if in.Repo, err = a.GetString("repo"); err != nil {
		return nil, err
	}
	if ref, ok := a.MaybeGetString("ref"); ok {
		in.Ref = &ref
	}
	if rev, ok := a.MaybeGetString("rev"); ok {
		h, err := hash.FromHex(hash.SHA1, rev)
		if err != nil {
			return nil, fmt.Errorf("parsing rev: %w", err)
		}
		in.Rev = &h
	}

	return in, nil
}

// GitHubInput identifies a tree on a hosted git forge by owner, repository,
// and an optional ref or rev. Ref and rev are mutually exclusive until the
// ref has been resolved.
type GitHubInput struct {
	scheme *GitHubScheme

	Owner string
	Repo  string
	Ref   *string
	Rev   *hash.Hash

	narHash *hash.Hash
}

var _ Input = &GitHubInput{}

func (in *GitHubInput) Kind() string {
	return in.scheme.opts.Kind
}

func (in *GitHubInput) Equal(other Input) bool {
	o, ok := other.(*GitHubInput)
	return ok &&
		in.Kind() == o.Kind() &&
		in.Owner == o.Owner &&
		in.Repo == o.Repo &&
		strPtrEqual(in.Ref, o.Ref) &&
		hashPtrEqual(in.Rev, o.Rev)
}

func (in *GitHubInput) Immutable() bool {
	return in.Rev != nil
}

func (in *GitHubInput) String() string {
	s := fmt.Sprintf("%s:%s/%s", in.Kind(), in.Owner, in.Repo)
	if in.Ref != nil {
		s += "/" + *in.Ref
	}
	if in.Rev != nil {
		s += "/" + in.Rev.GitRev()
	}
	return s
}

func (in *GitHubInput) AttrsInternal() attrs.Attrs {
	a := attrs.Attrs{
		"owner": attrs.String(in.Owner),
		"repo":  attrs.String(in.Repo),
	}
	if in.Ref != nil {
		a["ref"] = attrs.String(*in.Ref)
	}
	if in.Rev != nil {
		a["rev"] = attrs.String(in.Rev.GitRev())
	}
	return a
}

func (in *GitHubInput) NarHash() *hash.Hash {
	return in.narHash
}

func (in *GitHubInput) WithNarHash(h *hash.Hash) Input {
	out := *in
	out.narHash = h
	return &out
}

func (in *GitHubInput) ApplyOverrides(ref *string, rev *hash.Hash) (Input, error) {
	if ref == nil && rev == nil {
		return in, nil
	}
	out := *in
	if ref != nil {
		out.Ref = ref
	}
	if rev != nil {
		out.Rev = rev
	}
	return &out, nil
}

// Clone materialises a working copy with history via the git CLI. Shallow
// clone by branch/tag, init+fetch for an exact rev (the forge allows
// fetching reachable SHA-1s).
func (in *GitHubInput) Clone(ctx context.Context, destDir string) error {
	url := fmt.Sprintf("%s/%s/%s.git", in.scheme.cloneBase(), in.Owner, in.Repo)

	if in.Rev != nil {
		for _, args := range [][]string{
			{"init", destDir},
			{"-C", destDir, "remote", "add", "origin", url},
			{"-C", destDir, "fetch", "origin", in.Rev.GitRev()},
			{"-C", destDir, "checkout", "FETCH_HEAD"},
		} {
			cmd := exec.CommandContext(ctx, "git", args...)
			if _, err := cmd.Output(); err != nil {
				return fmt.Errorf("cloning %s: %w", url, execError(err))
			}
		}
		return nil
	}

	ref := in.scheme.opts.DefaultBranch
	if in.Ref != nil {
		ref = *in.Ref
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", ref, url, destDir)
	if _, err := cmd.Output(); err != nil {
		return fmt.Errorf("cloning %s: %w", url, execError(err))
	}
	return nil
}

func (in *GitHubInput) FetchTreeInternal(ctx context.Context, st store.Store) (*Tree, Input, error) {
	s := in.scheme
	rev := in.Rev
	ref := s.opts.DefaultBranch
	if in.Ref != nil {
		ref = *in.Ref
	}

	mutableAttrs := attrs.Attrs{
		"type":  attrs.String(s.opts.Kind),
		"owner": attrs.String(in.Owner),
		"repo":  attrs.String(in.Repo),
		"ref":   attrs.String(ref),
	}

	if rev == nil {
		res, err := s.cache.Lookup(ctx, st, mutableAttrs, s.opts.TarballTTL)
		if err != nil {
			return nil, nil, err
		}
		if res != nil {
			return in.cachedTree(st, res)
		}
	}

	if rev == nil {
		resolved, err := in.resolveHead(ctx, st, ref)
		if err != nil {
			return nil, nil, err
		}
		rev = resolved
	}

	out := *in
	out.Ref = nil
	out.Rev = rev

	immutableAttrs := attrs.Attrs{
		"type": attrs.String(s.opts.Kind + "-tarball"),
		"rev":  attrs.String(rev.GitRev()),
	}

	res, err := s.cache.Lookup(ctx, st, immutableAttrs, 0)
	if err != nil {
		return nil, nil, err
	}
	if res != nil {
		lastModified, err := res.InfoAttrs.GetInt("lastModified")
		if err != nil {
			return nil, nil, err
		}
		return &Tree{
			ActualPath: st.ToRealPath(res.StorePath),
			StorePath:  res.StorePath,
			Info:       TreeInfo{LastModified: int64(lastModified)},
		}, &out, nil
	}

	url := fmt.Sprintf("%s/repos/%s/%s/tarball/%s", s.apiBase(), in.Owner, in.Repo, rev.GitRev())
	if s.opts.AccessToken != "" {
		url += "?access_token=" + s.opts.AccessToken
	}

	dres, err := s.downloader.DownloadCached(ctx, st, download.Request{
		URL:             url,
		TTL:             download.TTLForever,
		Unpack:          true,
		Name:            "source",
		GetLastModified: true,
	})
	if err != nil {
		return nil, nil, err
	}
	if dres.LastModified == 0 {
		return nil, nil, fmt.Errorf("tarball for %q has no last-modified time", in.String())
	}

	tree := &Tree{
		ActualPath: dres.Path,
		StorePath:  dres.StorePath,
		Info:       TreeInfo{LastModified: dres.LastModified},
	}

	// A declared narHash is checked before anything is recorded: a tree
	// that fails its assertion must leave no cache entry under its rev.
	if in.narHash != nil {
		info, err := st.QueryPathInfo(tree.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("querying fetched tree: %w", err)
		}
		tree.Info.NarHash = &info.NarHash
		if !info.NarHash.Equal(*in.narHash) {
			return tree, &out, nil
		}
	}

	infoAttrs := attrs.Attrs{
		"rev":          attrs.String(rev.GitRev()),
		"lastModified": attrs.Int(uint64(tree.Info.LastModified)),
	}

	if in.Rev == nil {
		if err := s.cache.Add(ctx, st, mutableAttrs, infoAttrs, tree.StorePath, false); err != nil {
			return nil, nil, err
		}
	}
	if err := s.cache.Add(ctx, st, immutableAttrs, infoAttrs, tree.StorePath, true); err != nil {
		return nil, nil, err
	}

	return tree, &out, nil
}

// cachedTree builds the fetch result for a mutable-key cache hit: the
// canonical input takes its rev from the cached resolution.
func (in *GitHubInput) cachedTree(st store.Store, res *cache.Result) (*Tree, Input, error) {
	revStr, err := res.InfoAttrs.GetString("rev")
	if err != nil {
		return nil, nil, err
	}
	rev, err := hash.FromHex(hash.SHA1, revStr)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing cached rev: %w", err)
	}
	lastModified, err := res.InfoAttrs.GetInt("lastModified")
	if err != nil {
		return nil, nil, err
	}

	out := *in
	out.Ref = nil
	out.Rev = &rev

	return &Tree{
		ActualPath: st.ToRealPath(res.StorePath),
		StorePath:  res.StorePath,
		Info:       TreeInfo{LastModified: int64(lastModified)},
	}, &out, nil
}

// resolveHead pins the ref to its current revision via the forge API. The
// response is cached by the downloader under the mutable TTL.
func (in *GitHubInput) resolveHead(ctx context.Context, st store.Store, ref string) (*hash.Hash, error) {
	s := in.scheme
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s", s.apiBase(), in.Owner, in.Repo, ref)

	dres, err := s.downloader.DownloadCached(ctx, st, download.Request{
		URL: url,
		TTL: s.opts.TarballTTL,
	})
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(dres.Path)
	if err != nil {
		return nil, fmt.Errorf("reading HEAD response: %w", err)
	}
	var head struct {
		Sha string `json:"sha"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parsing HEAD response for %q: %w", url, err)
	}

	h, err := hash.FromHex(hash.SHA1, head.Sha)
	if err != nil {
		return nil, fmt.Errorf("parsing HEAD revision for %q: %w", url, err)
	}
	return &h, nil
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func hashPtrEqual(a, b *hash.Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func execError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return err
}
