// Package payload encodes and decodes the string carried by an event's
// scannable code.
//
// The wire format is the literal ASCII text "IKOOT_EVENT:" followed by the
// event id in decimal, e.g. "IKOOT_EVENT:3". Rendering that text as an image
// is left to the client.
package payload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Prefix starts every valid payload.
const Prefix = "IKOOT_EVENT:"

// ErrMalformed is returned for any payload that is not exactly Prefix followed
// by a positive decimal integer.
var ErrMalformed = errors.New("malformed payload")

// Encode returns the payload for eventID. Callers must pass a positive id;
// Decode rejects anything else.
func Encode(eventID int64) string {
	return Prefix + strconv.FormatInt(eventID, 10)
}

// Decode extracts the event id from s.
func Decode(s string) (int64, error) {
	digits, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return 0, fmt.Errorf("%w: missing %q prefix", ErrMalformed, Prefix)
	}
	if digits == "" {
		return 0, fmt.Errorf("%w: empty event id", ErrMalformed)
	}
	// strconv accepts a leading sign, so check the characters first.
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, fmt.Errorf("%w: non-digit at offset %d", ErrMalformed, len(Prefix)+i)
		}
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: event id out of range", ErrMalformed)
	}
	if id == 0 {
		return 0, fmt.Errorf("%w: event id must be positive", ErrMalformed)
	}
	return id, nil
}
