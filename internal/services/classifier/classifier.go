package classifier

import (
	"regexp"
	"strings"

	"github.com/BearBump/parceltrack/internal/models"
)

var (
	belpostRe  = regexp.MustCompile(`^(PC|BV|BP|PE)\d{9}[A-Z]{2}$`)
	evropostRe = regexp.MustCompile(`^[A-Z]{2}\d{12}$`)
)

// Classify maps a track number to its carrier by shape. Every input maps to
// exactly one carrier; blank or unrecognised numbers are CarrierUnknown.
func Classify(number string) models.CarrierType {
	n := Normalize(number)
	switch {
	case n == "":
		return models.CarrierUnknown
	case belpostRe.MatchString(n):
		return models.CarrierBelpost
	case evropostRe.MatchString(n):
		return models.CarrierEvropost
	default:
		return models.CarrierUnknown
	}
}

// Normalize upper-cases a track number and drops all whitespace.
func Normalize(number string) string {
	return strings.ToUpper(strings.Join(strings.Fields(number), ""))
}
