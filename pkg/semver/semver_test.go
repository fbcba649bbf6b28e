// SPDX-License-Identifier: MPL-2.0

package semver

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"simple", "1.2.3", "1.2.3", false},
		{"prerelease", "1.0.0-alpha.1", "1.0.0-alpha.1", false},
		{"build", "1.0.0+build.7", "1.0.0+build.7", false},
		{"surrounding_space", " 0.1.0 ", "0.1.0", false},
		{"partial", "1.2", "", true},
		{"leading_zero", "01.2.3", "", true},
		{"v_prefix", "v1.2.3", "", true},
		{"empty", "", "", true},
		{"garbage", "abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %v, want error", tt.input, v)
				}
				if !errors.Is(err, ErrInvalidVersion) {
					t.Errorf("error should wrap ErrInvalidVersion, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if v.String() != tt.want {
				t.Errorf("Parse(%q).String() = %q, want %q", tt.input, v.String(), tt.want)
			}
		})
	}
}

func TestVersion_Compare(t *testing.T) {
	t.Parallel()

	// Ascending precedence order.
	ordered := []string{
		"0.9.9",
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-alpha.beta",
		"1.0.0-beta",
		"1.0.0-beta.2",
		"1.0.0-beta.11",
		"1.0.0-rc.1",
		"1.0.0",
		"1.0.1",
		"1.1.0",
		"2.0.0",
	}

	for i := range len(ordered) - 1 {
		a, b := MustParse(ordered[i]), MustParse(ordered[i+1])
		if a.Compare(b) != -1 {
			t.Errorf("%s.Compare(%s) = %d, want -1", a, b, a.Compare(b))
		}
		if b.Compare(a) != 1 {
			t.Errorf("%s.Compare(%s) = %d, want 1", b, a, b.Compare(a))
		}
	}

	if MustParse("1.0.0+a").Compare(MustParse("1.0.0+b")) != 0 {
		t.Error("build metadata must not affect precedence")
	}
}

func TestSortDescending(t *testing.T) {
	t.Parallel()

	vs := []Version{MustParse("1.0.0"), MustParse("1.1.0"), MustParse("0.5.0"), MustParse("1.1.0+b")}
	SortDescending(vs)

	want := []string{"1.1.0", "1.1.0+b", "1.0.0", "0.5.0"}
	for i, v := range vs {
		if v.String() != want[i] {
			t.Errorf("vs[%d] = %s, want %s", i, v, want[i])
		}
	}
}

func TestParseRequirement_Invalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "  ", "abc", ">=", "^1.2.3.4", ">*", "1.*.3", "^1.2-rc.1", "1.0,", ">=1.0 <", "> = 1.0", ">=1.0 junk"} {
		t.Run(input, func(t *testing.T) {
			t.Parallel()
			_, err := ParseRequirement(input)
			if err == nil {
				t.Fatalf("ParseRequirement(%q) succeeded, want error", input)
			}
			if !errors.Is(err, ErrInvalidRequirement) {
				t.Errorf("error should wrap ErrInvalidRequirement, got: %v", err)
			}
		})
	}
}

func TestRequirement_Matches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		req     string
		version string
		want    bool
	}{
		{"*", "0.0.1", true},
		{"*", "12.3.4", true},
		{"*", "1.0.0-rc.1", false},
		{"^1.2", "1.2.0", true},
		{"^1.2", "1.9.9", true},
		{"^1.2", "2.0.0", false},
		{"^1.2", "1.1.9", false},
		{"^0.2.3", "0.2.9", true},
		{"^0.2.3", "0.3.0", false},
		{"^0.0.3", "0.0.3", true},
		{"^0.0.3", "0.0.4", false},
		{"^0", "0.9.0", true},
		{"^0", "1.0.0", false},
		{"1.2.3", "1.4.0", true},
		{"=1.0.3", "1.0.3", true},
		{"=1.0.3", "1.0.4", false},
		{"=1.0", "1.0.7", true},
		{"~1.2.3", "1.2.9", true},
		{"~1.2.3", "1.3.0", false},
		{"~1", "1.8.0", true},
		{">1.0", "1.0.5", false},
		{">1.0", "1.1.0", true},
		{">=1.0.0", "1.0.0", true},
		{"<2", "1.99.0", true},
		{"<2", "2.0.0", false},
		{"<=1.2", "1.2.9", true},
		{"<=1.2", "1.3.0", false},
		{"1.*", "1.5.0", true},
		{"1.*", "2.0.0", false},
		{"1.2.*", "1.2.8", true},
		{"1.2.*", "1.3.0", false},
		{">=1.0, <2.0", "1.5.0", true},
		{">=1.0, <2.0", "2.0.0", false},
		{"*, <2.0", "1.0.0", true},
		{">= 1.0", "1.0.0", true},
		{">=1.0 <2.0", "1.5.0", true},
		{">=1.0 <2.0", "2.0.0", false},
		{">= 1.0 < 2.0", "0.9.0", false},
		{">= 1.0 < 2.0", "1.9.9", true},
		{"^1.0.0-beta.2", "1.0.0-beta.3", true},
		{"^1.0.0-beta.2", "1.0.0-beta.1", false},
		{"^1.0.0-beta.2", "1.1.0-alpha", false},
		{"^1.0.0-beta.2", "1.2.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.req+"/"+tt.version, func(t *testing.T) {
			t.Parallel()
			req, err := ParseRequirement(tt.req)
			if err != nil {
				t.Fatalf("ParseRequirement(%q): %v", tt.req, err)
			}
			if got := req.Matches(MustParse(tt.version)); got != tt.want {
				t.Errorf("%q.Matches(%s) = %v, want %v", tt.req, tt.version, got, tt.want)
			}
		})
	}
}

func TestRequirement_String(t *testing.T) {
	t.Parallel()

	if got := MustParseRequirement(" ^1.2 ").String(); got != "^1.2" {
		t.Errorf("String() = %q, want %q", got, "^1.2")
	}
	if got := Exact(MustParse("1.0.3")).String(); got != "=1.0.3" {
		t.Errorf("Exact().String() = %q, want %q", got, "=1.0.3")
	}
	if !Exact(MustParse("1.0.3")).Matches(MustParse("1.0.3")) {
		t.Error("Exact(1.0.3) should match 1.0.3")
	}
	if Exact(MustParse("1.0.3")).Matches(MustParse("1.0.4")) {
		t.Error("Exact(1.0.3) should not match 1.0.4")
	}
	if got := (Requirement{}).String(); got != "*" {
		t.Errorf("zero Requirement String() = %q, want %q", got, "*")
	}
}
