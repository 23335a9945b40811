package checkout

import (
	"regexp"
	"strconv"
)

var firstDigitRun = regexp.MustCompile(`\d+`)

// DeriveAmount returns the first run of digits in a fee display string.
// Fees with no digits, a zero amount or an out of range number fall back to def.
func DeriveAmount(fee string, def int64) int64 {
	digits := firstDigitRun.FindString(fee)
	if digits == "" {
		return def
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
