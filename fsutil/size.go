package fsutil

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ruteri/tpm-vault/interfaces"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

// ParseSize parses "<N>", "<N>K", "<N>M" or "<N>G" (suffix case-insensitive,
// binary multiples) into a byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size: %w", interfaces.ErrInvalidInput)
	}

	multiplier := int64(1)
	num := s
	switch s[len(s)-1] {
	case 'K', 'k':
		multiplier = KiB
	case 'M', 'm':
		multiplier = MiB
	case 'G', 'g':
		multiplier = GiB
	}
	if multiplier != 1 {
		num = s[:len(s)-1]
	}

	value, err := strconv.ParseInt(num, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid size format %q: %w", s, interfaces.ErrInvalidInput)
	}
	if value > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("size %q overflows: %w", s, interfaces.ErrInvalidInput)
	}
	return value * multiplier, nil
}

// FormatSize renders bytes with the largest binary suffix that divides it exactly.
func FormatSize(bytes int64) string {
	switch {
	case bytes >= GiB && bytes%GiB == 0:
		return strconv.FormatInt(bytes/GiB, 10) + "G"
	case bytes >= MiB && bytes%MiB == 0:
		return strconv.FormatInt(bytes/MiB, 10) + "M"
	case bytes >= KiB && bytes%KiB == 0:
		return strconv.FormatInt(bytes/KiB, 10) + "K"
	default:
		return strconv.FormatInt(bytes, 10)
	}
}
