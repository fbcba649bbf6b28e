// SPDX-License-Identifier: MPL-2.0

package semver

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidRequirement is the sentinel error wrapped by InvalidRequirementError.
var ErrInvalidRequirement = errors.New("invalid semver requirement")

// Op is a comparator operator.
type Op string

const (
	OpExact     Op = "="
	OpGreater   Op = ">"
	OpGreaterEq Op = ">="
	OpLess      Op = "<"
	OpLessEq    Op = "<="
	OpTilde     Op = "~"
	OpCaret     Op = "^"
	// OpWildcard is produced by "*", "1.*" and "1.2.*".
	OpWildcard Op = "*"
)

// comparatorRegex matches one comparator. Minor and patch may be omitted or
// written as a wildcard.
var comparatorRegex = regexp.MustCompile(`^(>=|<=|=|>|<|~|\^)?\s*v?(\d+|\*|x|X)(?:\.(\d+|\*|x|X))?(?:\.(\d+|\*|x|X))?(?:-([0-9A-Za-z\-]+(?:\.[0-9A-Za-z\-]+)*))?(?:\+[0-9A-Za-z\-\.]+)?$`)

type (
	// Comparator is a single predicate such as "^1.2" or ">=1.0.0".
	// Minor and Patch are nil when they were omitted.
	Comparator struct {
		Op    Op
		Major uint64
		Minor *uint64
		Patch *uint64
		Pre   []string
	}

	// Requirement is a conjunction of comparators. An empty requirement
	// matches every release version.
	Requirement struct {
		Comparators []Comparator
		original    string
	}

	// InvalidRequirementError is returned when a requirement string cannot be parsed.
	InvalidRequirementError struct {
		Value  string
		Reason string
	}
)

// Error implements the error interface.
func (e *InvalidRequirementError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid semver requirement %q: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid semver requirement %q", e.Value)
}

// Unwrap returns ErrInvalidRequirement so callers can use errors.Is for programmatic detection.
func (e *InvalidRequirementError) Unwrap() error { return ErrInvalidRequirement }

// ParseRequirement parses a requirement such as "^1.2", "=1.0.3", "*",
// ">=1.0, <2.0", ">=1.0 <2.0" or "~0.3.1". Comparators are joined by commas
// or whitespace. A bare version ("1.2.3") behaves like "^1.2.3".
func ParseRequirement(s string) (Requirement, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Requirement{}, &InvalidRequirementError{Value: s, Reason: "empty"}
	}

	req := Requirement{original: trimmed}
	if trimmed == "*" {
		return req, nil
	}

	for part := range strings.SplitSeq(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Requirement{}, &InvalidRequirementError{Value: s, Reason: "empty comparator"}
		}
		for _, field := range comparatorFields(part) {
			c, anyVersion, err := parseComparator(field)
			if err != nil {
				return Requirement{}, &InvalidRequirementError{Value: s, Reason: err.Error()}
			}
			if anyVersion {
				continue
			}
			req.Comparators = append(req.Comparators, c)
		}
	}
	return req, nil
}

// comparatorFields splits a comma-free part on whitespace. An operator
// written apart from its version (">= 1.0") stays with it.
func comparatorFields(part string) []string {
	var out []string
	pendingOp := ""
	for f := range strings.FieldsSeq(part) {
		if isOperator(f) {
			if pendingOp != "" {
				out = append(out, pendingOp)
			}
			pendingOp = f
			continue
		}
		out = append(out, pendingOp+f)
		pendingOp = ""
	}
	if pendingOp != "" {
		out = append(out, pendingOp)
	}
	return out
}

func isOperator(s string) bool {
	switch Op(s) {
	case OpExact, OpGreater, OpGreaterEq, OpLess, OpLessEq, OpTilde, OpCaret:
		return true
	}
	return false
}

// MustParseRequirement is like ParseRequirement but panics on error.
func MustParseRequirement(s string) Requirement {
	r, err := ParseRequirement(s)
	if err != nil {
		panic(err)
	}
	return r
}

// IsValidRequirement reports whether s parses as a requirement.
func IsValidRequirement(s string) bool {
	_, err := ParseRequirement(s)
	return err == nil
}

// Exact returns the requirement "=<v>".
func Exact(v Version) Requirement {
	major, minor, patch := v.Major, v.Minor, v.Patch
	return Requirement{
		Comparators: []Comparator{{Op: OpExact, Major: major, Minor: &minor, Patch: &patch, Pre: v.Pre}},
		original:    "=" + v.String(),
	}
}

// String returns the requirement as it was written, or a canonical form for
// requirements built in code.
func (r Requirement) String() string {
	if r.original != "" {
		return r.original
	}
	if len(r.Comparators) == 0 {
		return "*"
	}
	parts := make([]string, len(r.Comparators))
	for i, c := range r.Comparators {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// Matches reports whether v satisfies every comparator.
//
// A pre-release version only matches when at least one comparator names the
// same MAJOR.MINOR.PATCH with a pre-release of its own.
func (r Requirement) Matches(v Version) bool {
	for _, c := range r.Comparators {
		if !c.Matches(v) {
			return false
		}
	}
	if !v.IsPrerelease() {
		return true
	}
	for _, c := range r.Comparators {
		if len(c.Pre) > 0 && c.Major == v.Major && ptrEq(c.Minor, v.Minor) && ptrEq(c.Patch, v.Patch) {
			return true
		}
	}
	return false
}

func ptrEq(p *uint64, v uint64) bool { return p != nil && *p == v }

// parseComparator parses one comparator. anyVersion is true for a bare
// wildcard, which constrains nothing.
func parseComparator(s string) (c Comparator, anyVersion bool, err error) {
	m := comparatorRegex.FindStringSubmatch(s)
	if m == nil {
		return Comparator{}, false, fmt.Errorf("unexpected %q", s)
	}

	c = Comparator{Op: Op(m[1])}
	if c.Op == "" {
		c.Op = OpCaret
	}

	isWild := func(x string) bool { return x == "*" || x == "x" || x == "X" }

	if isWild(m[2]) {
		if m[1] != "" && m[1] != "=" {
			return Comparator{}, false, fmt.Errorf("operator %s cannot be combined with a wildcard major", m[1])
		}
		if m[3] != "" && !isWild(m[3]) || m[4] != "" && !isWild(m[4]) {
			return Comparator{}, false, fmt.Errorf("wildcard must be trailing in %q", s)
		}
		return Comparator{}, true, nil
	}

	major, perr := strconv.ParseUint(m[2], 10, 64)
	if perr != nil {
		return Comparator{}, false, perr
	}
	c.Major = major

	wildcard := false
	switch {
	case m[3] == "":
	case isWild(m[3]):
		wildcard = true
		if m[4] != "" && !isWild(m[4]) {
			return Comparator{}, false, fmt.Errorf("wildcard must be trailing in %q", s)
		}
	default:
		minor, err := strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return Comparator{}, false, err
		}
		c.Minor = &minor
		switch {
		case m[4] == "":
		case isWild(m[4]):
			wildcard = true
		default:
			patch, err := strconv.ParseUint(m[4], 10, 64)
			if err != nil {
				return Comparator{}, false, err
			}
			c.Patch = &patch
		}
	}

	if wildcard {
		if m[1] != "" && m[1] != "=" {
			return Comparator{}, false, fmt.Errorf("operator %s cannot be combined with a wildcard", m[1])
		}
		c.Op = OpWildcard
	}

	if m[5] != "" {
		if c.Minor == nil || c.Patch == nil {
			return Comparator{}, false, fmt.Errorf("pre-release requires a full version in %q", s)
		}
		c.Pre = strings.Split(m[5], ".")
	}
	return c, false, nil
}

// String returns the canonical textual form of the comparator.
func (c Comparator) String() string {
	if c.Op == OpWildcard {
		switch {
		case c.Minor == nil:
			return fmt.Sprintf("%d.*", c.Major)
		default:
			return fmt.Sprintf("%d.%d.*", c.Major, *c.Minor)
		}
	}
	var sb strings.Builder
	sb.WriteString(string(c.Op))
	sb.WriteString(strconv.FormatUint(c.Major, 10))
	if c.Minor != nil {
		sb.WriteString("." + strconv.FormatUint(*c.Minor, 10))
		if c.Patch != nil {
			sb.WriteString("." + strconv.FormatUint(*c.Patch, 10))
		}
	}
	if len(c.Pre) > 0 {
		sb.WriteString("-" + strings.Join(c.Pre, "."))
	}
	return sb.String()
}

// Matches reports whether v satisfies the comparator, ignoring the
// pre-release opt-in rule that Requirement.Matches applies.
func (c Comparator) Matches(v Version) bool {
	switch c.Op {
	case OpExact:
		return c.matchesExact(v)
	case OpGreater:
		return c.matchesGreater(v)
	case OpGreaterEq:
		return c.matchesExact(v) || c.matchesGreater(v)
	case OpLess:
		return c.matchesLess(v)
	case OpLessEq:
		return c.matchesExact(v) || c.matchesLess(v)
	case OpTilde:
		return c.matchesTilde(v)
	case OpCaret:
		return c.matchesCaret(v)
	case OpWildcard:
		return c.matchesWildcard(v)
	default:
		return false
	}
}

func (c Comparator) lower() Version {
	v := Version{Major: c.Major, Pre: c.Pre}
	if c.Minor != nil {
		v.Minor = *c.Minor
	}
	if c.Patch != nil {
		v.Patch = *c.Patch
	}
	return v
}

func (c Comparator) matchesExact(v Version) bool {
	if v.Major != c.Major {
		return false
	}
	if c.Minor == nil {
		return true
	}
	if v.Minor != *c.Minor {
		return false
	}
	if c.Patch == nil {
		return true
	}
	if v.Patch != *c.Patch {
		return false
	}
	return comparePre(v.Pre, c.Pre) == 0
}

func (c Comparator) matchesGreater(v Version) bool {
	if v.Major != c.Major {
		return v.Major > c.Major
	}
	if c.Minor == nil {
		return false
	}
	if v.Minor != *c.Minor {
		return v.Minor > *c.Minor
	}
	if c.Patch == nil {
		return false
	}
	if v.Patch != *c.Patch {
		return v.Patch > *c.Patch
	}
	return comparePre(v.Pre, c.Pre) > 0
}

func (c Comparator) matchesLess(v Version) bool {
	if v.Major != c.Major {
		return v.Major < c.Major
	}
	if c.Minor == nil {
		return false
	}
	if v.Minor != *c.Minor {
		return v.Minor < *c.Minor
	}
	if c.Patch == nil {
		return false
	}
	if v.Patch != *c.Patch {
		return v.Patch < *c.Patch
	}
	return comparePre(v.Pre, c.Pre) < 0
}

func (c Comparator) matchesTilde(v Version) bool {
	if v.Major != c.Major {
		return false
	}
	if c.Minor != nil && v.Minor != *c.Minor {
		return false
	}
	return v.Compare(c.lower()) >= 0
}

func (c Comparator) matchesCaret(v Version) bool {
	if v.Major != c.Major {
		return false
	}
	if c.Minor == nil {
		return true
	}
	if v.Compare(c.lower()) < 0 {
		return false
	}
	if c.Major > 0 {
		return true
	}
	// ^0.y pins the minor; ^0.0.z pins the patch as well.
	if v.Minor != *c.Minor {
		return false
	}
	if *c.Minor > 0 || c.Patch == nil {
		return true
	}
	return v.Patch == *c.Patch
}

func (c Comparator) matchesWildcard(v Version) bool {
	if v.Major != c.Major {
		return false
	}
	return c.Minor == nil || v.Minor == *c.Minor
}

// comparePre compares pre-release lists with release > pre-release semantics.
func comparePre(a, b []string) int {
	return Version{Pre: a}.Compare(Version{Pre: b})
}
