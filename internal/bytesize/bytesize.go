// Package bytesize converts the decimal size strings printed by borg
// ("12.3 MB", "-2.5 kB") into byte counts.
package bytesize

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedUnit is returned when the unit token is not one of
	// B, KB, MB, GB, TB or PB. Callers treat it as fatal.
	ErrUnsupportedUnit = errors.New("unsupported size unit")
	// ErrMalformedSize is returned when the token has no leading integer.
	ErrMalformedSize = errors.New("malformed size")
	// ErrOverflow is returned when the byte count does not fit in an int64.
	ErrOverflow = fmt.Errorf("%w: out of range", ErrMalformedSize)
)

// Decimal (SI) multipliers.
const (
	Byte     int64 = 1
	Kilobyte       = 1000 * Byte
	Megabyte       = 1000 * Kilobyte
	Gigabyte       = 1000 * Megabyte
	Terabyte       = 1000 * Gigabyte
	Petabyte       = 1000 * Terabyte
)

var units = map[string]int64{
	"B":  Byte,
	"KB": Kilobyte,
	"kB": Kilobyte, // borg prints the SI lowercase k
	"MB": Megabyte,
	"GB": Gigabyte,
	"TB": Terabyte,
	"PB": Petabyte,
}

// leadingInt matches the signed integer part of the numeric token.
var leadingInt = regexp.MustCompile(`^[+-]?\d+`)

// Parse converts "<number> <unit>" into bytes. Only the integer part of the
// number is used, so "-2.5 KB" yields -2000 rather than -2500.
func Parse(s string) (int64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty input", ErrMalformedSize)
	}

	unit := fields[len(fields)-1]
	multiplier, ok := units[unit]
	if !ok {
		return 0, fmt.Errorf("%w: cannot convert %q to bytes", ErrUnsupportedUnit, s)
	}

	digits := leadingInt.FindString(fields[0])
	if digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrMalformedSize, s)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedSize, s, err)
	}
	if n > math.MaxInt64/multiplier || n < math.MinInt64/multiplier {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return n * multiplier, nil
}
