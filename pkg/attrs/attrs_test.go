package attrs

import (
	"errors"
	"testing"
)

func TestGetString(t *testing.T) {
	a := Attrs{
		"owner": String("alice"),
		"count": Int(3),
	}

	tests := map[string]struct {
		key       string
		want      string
		missing   bool
		wrongType bool
	}{
		"present string":  {key: "owner", want: "alice"},
		"missing key":     {key: "repo", missing: true},
		"integer value":   {key: "count", wrongType: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := a.GetString(tc.key)
			if tc.missing {
				var me *MissingAttrError
				if !errors.As(err, &me) {
					t.Fatalf("GetString(%q) error = %v, want MissingAttrError", tc.key, err)
				}
				return
			}
			if tc.wrongType {
				var we *WrongAttrTypeError
				if !errors.As(err, &we) {
					t.Fatalf("GetString(%q) error = %v, want WrongAttrTypeError", tc.key, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetString(%q) error = %v", tc.key, err)
			}
			if got != tc.want {
				t.Errorf("GetString(%q) = %q, want %q", tc.key, got, tc.want)
			}
		})
	}
}

func TestGetInt(t *testing.T) {
	a := Attrs{
		"lastModified": Int(1700000000),
		"rev":          String("abc"),
	}

	if n, err := a.GetInt("lastModified"); err != nil || n != 1700000000 {
		t.Errorf("GetInt(lastModified) = %d, %v", n, err)
	}

	var we *WrongAttrTypeError
	if _, err := a.GetInt("rev"); !errors.As(err, &we) {
		t.Errorf("GetInt(rev) error = %v, want WrongAttrTypeError", err)
	}

	var me *MissingAttrError
	if _, err := a.GetInt("absent"); !errors.As(err, &me) {
		t.Errorf("GetInt(absent) error = %v, want MissingAttrError", err)
	}
}

func TestMarshalCanonical(t *testing.T) {
	tests := map[string]struct {
		attrs Attrs
		want  string
	}{
		"keys sorted lexicographically": {
			attrs: Attrs{
				"repo":  String("proj"),
				"owner": String("alice"),
				"type":  String("github"),
			},
			want: `{"owner":"alice","repo":"proj","type":"github"}`,
		},
		"integers rendered bare": {
			attrs: Attrs{
				"lastModified": Int(1700000000),
				"rev":          String("aaaa"),
			},
			want: `{"lastModified":1700000000,"rev":"aaaa"}`,
		},
		"empty": {
			attrs: Attrs{},
			want:  `{}`,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tc.attrs.MarshalCanonical()
			if err != nil {
				t.Fatalf("MarshalCanonical() error = %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("MarshalCanonical() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := Attrs{
		"owner":        String("alice"),
		"repo":         String("proj"),
		"lastModified": Int(1700000000),
	}

	data, err := orig.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical() error = %v", err)
	}

	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !got.Equal(orig) {
		t.Errorf("round-trip = %v, want %v", got, orig)
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"negative integer": `{"n":-1}`,
		"float":            `{"n":1.5}`,
		"boolean":          `{"b":true}`,
		"nested object":    `{"o":{}}`,
		"not json":         `nope`,
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(input)); err == nil {
				t.Errorf("Parse(%s) succeeded, want error", input)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	base := Attrs{"owner": String("alice"), "n": Int(1)}

	tests := map[string]struct {
		other Attrs
		want  bool
	}{
		"same pairs":            {other: Attrs{"n": Int(1), "owner": String("alice")}, want: true},
		"different value":       {other: Attrs{"owner": String("bob"), "n": Int(1)}, want: false},
		"different type":        {other: Attrs{"owner": String("alice"), "n": String("1")}, want: false},
		"missing key":           {other: Attrs{"owner": String("alice")}, want: false},
		"extra key":             {other: Attrs{"owner": String("alice"), "n": Int(1), "x": Int(2)}, want: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := base.Equal(tc.other); got != tc.want {
				t.Errorf("Equal() = %v, want %v", got, tc.want)
			}
		})
	}
}
