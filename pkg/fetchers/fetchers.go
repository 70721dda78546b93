package fetchers

import (
	"context"
	"fmt"

	"github.com/treefetch/treefetch/pkg/attrs"
	"github.com/treefetch/treefetch/pkg/hash"
	"github.com/treefetch/treefetch/pkg/store"
)

// TreeInfo is metadata about a fetched tree.
type TreeInfo struct {
	// NarHash is the serialised-tree digest, the ground truth for equality
	// of trees. Nil until computed.
	NarHash *hash.Hash
	// LastModified is the tree's modification time in epoch seconds.
	LastModified int64
}

// ComputeStorePath derives the fixed-output store path the tree digest pins.
func (i TreeInfo) ComputeStorePath(st store.Store) (store.Path, error) {
	if i.NarHash == nil {
		return "", fmt.Errorf("tree has no hash yet")
	}
	return st.MakeFixedOutputPath(true, *i.NarHash, "source")
}

// Tree is the materialised on-disk form of a fetched input.
type Tree struct {
	ActualPath string
	StorePath  store.Path
	Info       TreeInfo
}

// Input is a handle to a remote source tree by identity, not by content.
// Inputs are immutable values; FetchTree and ApplyOverrides return fresh
// ones.
type Input interface {
	// Kind is the scheme tag, e.g. "github".
	Kind() string
	// Equal reports kind- and field-equality.
	Equal(other Input) bool
	// Immutable reports whether the input's identity fully determines its
	// content (all mutable references resolved).
	Immutable() bool
	// String is the canonical URL form; it round-trips through the
	// matching scheme's FromURL.
	String() string
	// AttrsInternal is the scheme-specific attribute form, without the
	// synthetic "type" and "narHash" keys. Use InputAttrs for the full
	// form.
	AttrsInternal() attrs.Attrs
	// NarHash is the expected digest of the fetched tree, or nil.
	NarHash() *hash.Hash
	// WithNarHash returns a copy carrying the given expected digest.
	WithNarHash(h *hash.Hash) Input
	// ApplyOverrides returns a copy with the given ref and/or rev applied.
	// Schemes that do not understand refs or revs return an OverrideError.
	ApplyOverrides(ref *string, rev *hash.Hash) (Input, error)
	// Clone materialises a full working copy of the source at destDir,
	// with history where the scheme has any.
	Clone(ctx context.Context, destDir string) error
	// FetchTreeInternal does the real work of a fetch. Callers go through
	// FetchTree, which enforces hash verification.
	FetchTreeInternal(ctx context.Context, st store.Store) (*Tree, Input, error)
}

// InputAttrs is the full attribute form of an input: its scheme-specific
// attributes plus "type" and, when present, the SRI-encoded "narHash".
func InputAttrs(in Input) attrs.Attrs {
	a := in.AttrsInternal().Clone()
	if nh := in.NarHash(); nh != nil {
		a["narHash"] = attrs.String(nh.SRI())
	}
	a["type"] = attrs.String(in.Kind())
	return a
}

// FetchTree fetches the input into the store and returns the materialised
// tree together with the canonical input that was actually fetched: all
// mutable fields cleared, the resolved revision filled in.
//
// The tree's digest is verified against the input's declared narHash; a
// disagreement is a HashMismatchError.
func FetchTree(ctx context.Context, st store.Store, in Input) (*Tree, Input, error) {
	tree, out, err := in.FetchTreeInternal(ctx, st)
	if err != nil {
		return nil, nil, err
	}

	if tree.ActualPath == "" {
		tree.ActualPath = st.ToRealPath(tree.StorePath)
	}

	if tree.Info.NarHash == nil {
		info, err := st.QueryPathInfo(tree.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("querying fetched tree: %w", err)
		}
		tree.Info.NarHash = &info.NarHash
	}

	if want := in.NarHash(); want != nil && !want.Equal(*tree.Info.NarHash) {
		return nil, nil, &HashMismatchError{
			Input: in.String(),
			Path:  tree.ActualPath,
			Want:  want.SRI(),
			Got:   tree.Info.NarHash.SRI(),
		}
	}

	if nh := out.NarHash(); nh != nil && !nh.Equal(*tree.Info.NarHash) {
		return nil, nil, fmt.Errorf("fetcher for %q returned an inconsistent tree hash", out.String())
	}

	return tree, out, nil
}

// InputScheme recognises the URLs and attribute sets belonging to one kind
// of input.
type InputScheme interface {
	// FromURL returns an input iff the URL belongs to this scheme, or
	// (nil, nil) so the registry can try the next one. A structurally
	// invalid URL that did match is a BadURLError.
	FromURL(u *URL) (Input, error)
	// FromAttrs is symmetric: an input iff attrs["type"] matches, or
	// (nil, nil).
	FromAttrs(a attrs.Attrs) (Input, error)
}

// Registry is an ordered list of input schemes. Registration must complete
// before the first dispatch; dispatch itself is read-only and needs no
// synchronisation.
type Registry struct {
	schemes []InputScheme
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a scheme. Earlier registrations win when several schemes
// accept the same input.
func (r *Registry) Register(s InputScheme) {
	r.schemes = append(r.schemes, s)
}

// InputFromURL parses the URL and dispatches it to the first scheme that
// accepts it.
func (r *Registry) InputFromURL(rawURL string) (Input, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	for _, s := range r.schemes {
		in, err := s.FromURL(u)
		if err != nil {
			return nil, err
		}
		if in != nil {
			return in, nil
		}
	}
	return nil, &UnsupportedInputError{Input: rawURL}
}

// InputFromAttrs dispatches the attribute set to the first scheme that
// accepts it. A "narHash" attribute is attached to the returned input as its
// expected tree digest; it must be in SRI form.
func (r *Registry) InputFromAttrs(a attrs.Attrs) (Input, error) {
	for _, s := range r.schemes {
		in, err := s.FromAttrs(a)
		if err != nil {
			return nil, err
		}
		if in == nil {
			continue
		}
		if sri, ok := a.MaybeGetString("narHash"); ok {
			h, err := hash.ParseSRI(sri)
			if err != nil {
				return nil, fmt.Errorf("parsing narHash: %w", err)
			}
			in = in.WithNarHash(&h)
		}
		return in, nil
	}
	j, _ := a.MarshalCanonical()
	return nil, &UnsupportedInputError{Input: string(j)}
}

var defaultRegistry = NewRegistry()

// Register adds a scheme to the process-wide registry. Not safe for use
// concurrently with dispatch; call during program initialisation.
func Register(s InputScheme) {
	defaultRegistry.Register(s)
}

// InputFromURL dispatches through the process-wide registry.
func InputFromURL(rawURL string) (Input, error) {
	return defaultRegistry.InputFromURL(rawURL)
}

// InputFromAttrs dispatches through the process-wide registry.
func InputFromAttrs(a attrs.Attrs) (Input, error) {
	return defaultRegistry.InputFromAttrs(a)
}
