package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a component or patch version: major.minor with optional build
// and revision parts. Missing parts compare as zero.
type Version struct {
	// Major is the first version component.
	Major int

	// Minor is the second version component.
	Minor int

	// Build is the optional third version component.
	Build int

	// Revision is the optional fourth version component.
	Revision int

	// parts is the number of components that were written (2-4).
	parts int
}

// NullVersion is the 0.0 sentinel meaning "not yet successfully installed".
// It is distinct from a nil *Version, which means no version was recorded.
var NullVersion = Version{parts: 2}

// NewVersion creates a version from its numeric parts.
func NewVersion(parts ...int) (*Version, error) {
	if len(parts) < 2 || len(parts) > 4 {
		return nil, fmt.Errorf("version must have between 2 and 4 parts, got %d", len(parts))
	}
	v := &Version{parts: len(parts)}
	for i, p := range parts {
		if p < 0 {
			return nil, fmt.Errorf("version part %d is negative: %d", i, p)
		}
		v.set(i, p)
	}
	return v, nil
}

// ParseVersion parses strings such as "1.0", "v2.3.1" or "7.4.0.12".
func ParseVersion(s string) (*Version, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if raw == "" {
		return nil, fmt.Errorf("invalid version %q: empty", s)
	}

	fields := strings.Split(raw, ".")
	if len(fields) < 2 || len(fields) > 4 {
		return nil, fmt.Errorf("invalid version %q: expected 2 to 4 parts", s)
	}

	parts := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || strings.HasPrefix(f, "+") {
			return nil, fmt.Errorf("invalid version %q: part %q is not a non-negative integer", s, f)
		}
		parts[i] = n
	}

	return NewVersion(parts...)
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) *Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Version) set(i, n int) {
	switch i {
	case 0:
		v.Major = n
	case 1:
		v.Minor = n
	case 2:
		v.Build = n
	case 3:
		v.Revision = n
	}
}

func (v Version) tuple() [4]int {
	return [4]int{v.Major, v.Minor, v.Build, v.Revision}
}

// Compare returns -1, 0 or 1 when v is less than, equal to or greater than o.
func (v Version) Compare(o Version) int {
	a, b := v.tuple(), o.tuple()
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Equal reports whether v and o denote the same version.
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// IsNull reports whether v is the 0.0 sentinel.
func (v Version) IsNull() bool { return v.Equal(NullVersion) }

// String renders the version with as many parts as were written.
func (v Version) String() string {
	n := v.parts
	if n < 2 {
		n = 2
	}
	t := v.tuple()
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = strconv.Itoa(t[i])
	}
	return strings.Join(out, ".")
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

// CompareVersions orders nullable versions; nil sorts before any version.
func CompareVersions(a, b *Version) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

// VersionString renders a nullable version, using "-" for nil.
func VersionString(v *Version) string {
	if v == nil {
		return "-"
	}
	return v.String()
}

func cloneVersion(v *Version) *Version {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Boundary is a version interval. Either bound may be absent.
type Boundary struct {
	// Min is the lower bound; nil means unbounded below.
	Min *Version `json:"min,omitempty" yaml:"min,omitempty"`

	// MinExclusive excludes Min itself from the interval.
	MinExclusive bool `json:"minExclusive,omitempty" yaml:"minExclusive,omitempty"`

	// Max is the upper bound; nil means unbounded above.
	Max *Version `json:"max,omitempty" yaml:"max,omitempty"`

	// MaxExclusive excludes Max itself from the interval.
	MaxExclusive bool `json:"maxExclusive,omitempty" yaml:"maxExclusive,omitempty"`
}

// AtLeast returns the interval [min, ∞).
func AtLeast(min *Version) Boundary {
	return Boundary{Min: cloneVersion(min)}
}

// Between returns the half-open interval [min, max).
func Between(min, max *Version) Boundary {
	return Boundary{Min: cloneVersion(min), Max: cloneVersion(max), MaxExclusive: true}
}

// Validate checks that the lower bound does not exceed the upper bound.
func (b Boundary) Validate() error {
	if b.Min == nil || b.Max == nil {
		return nil
	}
	c := b.Min.Compare(*b.Max)
	if c > 0 {
		return fmt.Errorf("invalid boundary %s: minimum exceeds maximum", b)
	}
	if c == 0 && (b.MinExclusive || b.MaxExclusive) {
		return fmt.Errorf("invalid boundary %s: empty interval", b)
	}
	return nil
}

// IsInInterval reports whether v lies inside the boundary. A nil version is
// never inside.
func (b Boundary) IsInInterval(v *Version) bool {
	if v == nil {
		return false
	}
	if b.Min != nil {
		c := v.Compare(*b.Min)
		if c < 0 || (c == 0 && b.MinExclusive) {
			return false
		}
	}
	if b.Max != nil {
		c := v.Compare(*b.Max)
		if c > 0 || (c == 0 && b.MaxExclusive) {
			return false
		}
	}
	return true
}

// String renders the boundary in interval notation, e.g. "[1.0, 2.0)".
func (b Boundary) String() string {
	var sb strings.Builder
	if b.Min == nil || b.MinExclusive {
		sb.WriteString("(")
	} else {
		sb.WriteString("[")
	}
	if b.Min == nil {
		sb.WriteString("*")
	} else {
		sb.WriteString(b.Min.String())
	}
	sb.WriteString(", ")
	if b.Max == nil {
		sb.WriteString("*")
	} else {
		sb.WriteString(b.Max.String())
	}
	if b.Max == nil || b.MaxExclusive {
		sb.WriteString(")")
	} else {
		sb.WriteString("]")
	}
	return sb.String()
}

func (b Boundary) clone() Boundary {
	return Boundary{
		Min:          cloneVersion(b.Min),
		MinExclusive: b.MinExclusive,
		Max:          cloneVersion(b.Max),
		MaxExclusive: b.MaxExclusive,
	}
}
