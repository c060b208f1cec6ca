package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	KiloByte int64 = 1024
	MegaByte       = 1024 * KiloByte
	GigaByte       = 1024 * MegaByte
	TeraByte       = 1024 * GigaByte
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// unitMultipliers maps upper-cased unit suffixes to bytes. Single letters and
// IEC names are binary; SI names are decimal.
var unitMultipliers = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1000, "MB": 1000 * 1000, "GB": 1000 * 1000 * 1000, "TB": 1000 * 1000 * 1000 * 1000,
	"K": KiloByte, "KIB": KiloByte,
	"M": MegaByte, "MIB": MegaByte,
	"G": GigaByte, "GIB": GigaByte,
	"T": TeraByte, "TIB": TeraByte,
}

// ParseDataSize parses sizes such as "4096", "64KiB", "1.5GB" into bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v < 0 {
			return 0, fmt.Errorf("negative size: %s", s)
		}
		return v, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '64KiB', '512MB')", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}
	mult, ok := unitMultipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s", m[2])
	}
	n := int64(value * float64(mult))
	if n < 0 {
		return 0, fmt.Errorf("size overflow: %s", s)
	}
	return n, nil
}

// FormatDataSize renders bytes with binary units.
func FormatDataSize(n int64) string {
	if n < 0 {
		return "invalid"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", n)
	}
	if v == float64(int64(v)) {
		return fmt.Sprintf("%.0f %s", v, units[i])
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}
