package upload

import "strings"

// NormalizePhone brings a Belarusian phone number to +375XXXXXXXXX.
// Anything it cannot recognise yields "".
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "375"):
		digits = digits[3:]
	case len(digits) == 11 && strings.HasPrefix(digits, "80"):
		digits = digits[2:]
	case len(digits) == 9:
	default:
		return ""
	}
	return "+375" + digits
}
