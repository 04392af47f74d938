// Package validation checks request coordinates before they reach the pipeline.
package validation

import (
	"errors"
	"strings"
)

// Defaults used when a coordinate parameter is absent.
const (
	DefaultLat = "0.000000"
	DefaultLon = "0.00000"
)

// MaxCoordinateLength bounds a coordinate string.
const MaxCoordinateLength = 32

// ErrCoordinateTooLong is returned when a coordinate exceeds MaxCoordinateLength.
var ErrCoordinateTooLong = errors.New("coordinate too long")

// ErrCoordinateInvalidChars is returned when a coordinate contains anything other
// than digits, sign, decimal point or exponent.
var ErrCoordinateInvalidChars = errors.New("coordinate contains invalid characters")

// ValidateCoordinate trims the input and returns it, or def when it is empty.
// Only the decimal character set [0-9+-.eE] is accepted, which keeps the value safe
// in cache keys and URLs. Numeric range is not checked; the upstream rejects
// out-of-domain values and that error is surfaced to the caller.
func ValidateCoordinate(input, def string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return def, nil
	}
	if len(s) > MaxCoordinateLength {
		return "", ErrCoordinateTooLong
	}
	for i := 0; i < len(s); i++ {
		if !isAllowedCoordinateByte(s[i]) {
			return "", ErrCoordinateInvalidChars
		}
	}
	return s, nil
}

func isAllowedCoordinateByte(c byte) bool {
	if c >= '0' && c <= '9' {
		return true
	}
	switch c {
	case '+', '-', '.', 'e', 'E':
		return true
	}
	return false
}
