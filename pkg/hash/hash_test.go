package hash

import (
	"strings"
	"testing"
)

func TestSumAndEncodings(t *testing.T) {
	h := Sum(SHA256, []byte("hello"))

	wantHex := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := h.Hex(); got != wantHex {
		t.Errorf("Hex() = %q, want %q", got, wantHex)
	}

	if !strings.HasPrefix(h.SRI(), "sha256-") {
		t.Errorf("SRI() = %q, want sha256- prefix", h.SRI())
	}

	back, err := ParseSRI(h.SRI())
	if err != nil {
		t.Fatalf("ParseSRI(%q) error = %v", h.SRI(), err)
	}
	if !back.Equal(h) {
		t.Errorf("SRI round-trip = %v, want %v", back, h)
	}
}

func TestFromHex(t *testing.T) {
	tests := map[string]struct {
		algo    Algo
		input   string
		wantErr bool
	}{
		"valid sha1":        {algo: SHA1, input: "0123456789abcdef0123456789abcdef01234567"},
		"too short":         {algo: SHA1, input: "0123456789abcdef", wantErr: true},
		"wrong algo length": {algo: SHA256, input: "0123456789abcdef0123456789abcdef01234567", wantErr: true},
		"not hex":           {algo: SHA1, input: strings.Repeat("zz", 20), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h, err := FromHex(tc.algo, tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("FromHex(%q) succeeded, want error", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromHex(%q) error = %v", tc.input, err)
			}
			if h.Hex() != tc.input {
				t.Errorf("Hex() = %q, want %q", h.Hex(), tc.input)
			}
		})
	}
}

func TestGitRev(t *testing.T) {
	rev := "0123456789abcdef0123456789abcdef01234567"
	h, err := FromHex(SHA1, rev)
	if err != nil {
		t.Fatalf("FromHex() error = %v", err)
	}
	if got := h.GitRev(); got != rev {
		t.Errorf("GitRev() = %q, want %q", got, rev)
	}
}

func TestParseSRIErrors(t *testing.T) {
	tests := map[string]string{
		"no separator":      "sha256",
		"unknown algorithm": "md5-aGVsbG8=",
		"bad base64":        "sha256-!!!",
		"wrong length":      "sha256-aGVsbG8=",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSRI(input); err == nil {
				t.Errorf("ParseSRI(%q) succeeded, want error", input)
			}
		})
	}
}

func TestParseLegacy(t *testing.T) {
	legacy := "sha1:0123456789abcdef0123456789abcdef01234567"

	if _, err := Parse(legacy, false); err == nil {
		t.Error("Parse() accepted legacy form without opt-in")
	}

	h, err := Parse(legacy, true)
	if err != nil {
		t.Fatalf("Parse() with legacy opt-in error = %v", err)
	}
	if h.Algo != SHA1 {
		t.Errorf("Algo = %q, want sha1", h.Algo)
	}

	sri := Sum(SHA256, []byte("x")).SRI()
	if _, err := Parse(sri, true); err != nil {
		t.Errorf("Parse(%q) error = %v, want SRI accepted with opt-in too", sri, err)
	}
}

func TestEqual(t *testing.T) {
	a := Sum(SHA256, []byte("a"))
	b := Sum(SHA256, []byte("b"))
	if a.Equal(b) {
		t.Error("digests of different data compare equal")
	}
	if !a.Equal(Sum(SHA256, []byte("a"))) {
		t.Error("digests of same data compare unequal")
	}

	sameBytes := Hash{Algo: SHA1, Bytes: a.Bytes[:20]}
	other := Hash{Algo: SHA256, Bytes: a.Bytes}
	if sameBytes.Equal(other) {
		t.Error("hashes with different algorithms compare equal")
	}
}
