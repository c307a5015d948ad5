// Package bytesize parses and formats byte sizes such as "500MB" or "1.5 GiB".
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte size units.
const (
	B  uint64 = 1
	KB        = 1024 * B
	MB        = 1024 * KB
	GB        = 1024 * MB
	TB        = 1024 * GB
)

// sizePattern matches "100MB", "1.5 GB", "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

var units = map[string]uint64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
}

// Parse parses a size string into bytes. Units are binary and case-insensitive;
// a bare number is bytes.
func Parse(s string) (uint64, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	mult, ok := units[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	// Integers skip the float path so large byte counts stay exact.
	if n, err := strconv.ParseUint(matches[1], 10, 64); err == nil {
		return n * mult, nil
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}
	return uint64(value * float64(mult)), nil
}

// Format renders a byte count with two decimals in the largest fitting unit.
func Format(n uint64) string {
	switch {
	case n >= TB:
		return fmt.Sprintf("%.2f TB", float64(n)/float64(TB))
	case n >= GB:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(GB))
	case n >= MB:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(MB))
	case n >= KB:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(KB))
	}
	return fmt.Sprintf("%d B", n)
}

// Size is a byte count that unmarshals from either an integer or a size string.
type Size uint64

// Bytes returns the size as a plain byte count.
func (s Size) Bytes() uint64 { return uint64(s) }

func (s Size) String() string { return Format(uint64(s)) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := Parse(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return uint64(s), nil
}
