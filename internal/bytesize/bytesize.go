// Package bytesize parses the human-readable sizes used in the
// configuration, like "500MB" for a filelist bound or "5GiB" for a tape
// aggregate target.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count that unmarshals from strings like "16GB", "5Gi"
// or plain numbers.
type Size int64

const (
	B Size = 1

	// decimal units
	KB Size = 1000 * B
	MB Size = 1000 * KB
	GB Size = 1000 * MB
	TB Size = 1000 * GB

	// binary units
	KiB Size = 1024 * B
	MiB Size = 1024 * KiB
	GiB Size = 1024 * MiB
	TiB Size = 1024 * GiB
)

// units maps accepted suffixes, lower-cased, to their multiplier. Bare
// binary prefixes ("Ki") are accepted alongside the full forms.
var units = map[string]Size{
	"": B, "b": B,
	"k": KB, "kb": KB, "m": MB, "mb": MB, "g": GB, "gb": GB, "t": TB, "tb": TB,
	"ki": KiB, "kib": KiB, "mi": MiB, "mib": MiB,
	"gi": GiB, "gib": GiB, "ti": TiB, "tib": TiB,
}

// Parse converts a size string into a byte count. The numeric part may
// carry a fraction ("1.5GiB").
func Parse(s string) (Size, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty size")
	}

	split := len(trimmed)
	for split > 0 {
		c := trimmed[split-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		split--
	}
	num := strings.TrimSpace(trimmed[:split])
	unit, ok := units[strings.ToLower(strings.TrimSpace(trimmed[split:]))]
	if !ok {
		return 0, fmt.Errorf("unknown size unit in %q", s)
	}

	if strings.Contains(num, ".") {
		f, err := strconv.ParseFloat(num, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("malformed size %q", s)
		}
		return Size(f * float64(unit)), nil
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed size %q", s)
	}
	return Size(n) * unit, nil
}

// UnmarshalText lets Size fields decode straight from config values.
func (s *Size) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Bytes returns the count as a plain int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	format := func(unit Size, suffix string) string {
		if s%unit == 0 {
			return strconv.FormatInt(int64(s/unit), 10) + suffix
		}
		return fmt.Sprintf("%.1f%s", float64(s)/float64(unit), suffix)
	}
	switch {
	case s >= TiB:
		return format(TiB, "TiB")
	case s >= GiB:
		return format(GiB, "GiB")
	case s >= MiB:
		return format(MiB, "MiB")
	case s >= KiB:
		return format(KiB, "KiB")
	}
	return strconv.FormatInt(int64(s), 10) + "B"
}
