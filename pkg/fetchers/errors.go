package fetchers

import "fmt"

// UnsupportedInputError reports a URL or attribute set no registered scheme
// accepts.
type UnsupportedInputError struct {
	Input string
}

func (e *UnsupportedInputError) Error() string {
	return fmt.Sprintf("input %q is unsupported", e.Input)
}

// BadURLError reports a syntactically invalid URL for a scheme that matched
// it.
type BadURLError struct {
	URL    string
	Reason string
}

func (e *BadURLError) Error() string {
	return fmt.Sprintf("invalid URL %q: %s", e.URL, e.Reason)
}

// UnsupportedAttrError reports an attribute key a scheme does not understand.
type UnsupportedAttrError struct {
	Kind string
	Attr string
}

func (e *UnsupportedAttrError) Error() string {
	return fmt.Sprintf("unsupported %s input attribute %q", e.Kind, e.Attr)
}

// HashMismatchError reports a declared narHash that disagrees with the
// fetched tree.
type HashMismatchError struct {
	Input string
	Path  string
	Want  string
	Got   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("NAR hash mismatch in input %q (%s), expected %q, got %q",
		e.Input, e.Path, e.Want, e.Got)
}

// OverrideError reports a ref or rev override applied to a scheme that does
// not understand it.
type OverrideError struct {
	Input    string
	Override string
}

func (e *OverrideError) Error() string {
	return fmt.Sprintf("don't know how to apply %q to %q", e.Override, e.Input)
}
