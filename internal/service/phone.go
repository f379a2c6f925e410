package service

import (
	"strings"
)

// NormalizePhone rewrites a Senegalese number into its 00221 international form.
// Blank input is returned unchanged; numbers that match no rule are only cleaned.
func NormalizePhone(phone string) string {
	if strings.TrimSpace(phone) == "" {
		return phone
	}

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '.', '-':
			return -1
		}
		return r
	}, phone)

	switch {
	case strings.HasPrefix(cleaned, "+221"):
		return "00221" + cleaned[len("+221"):]
	case strings.HasPrefix(cleaned, "221"):
		return "00" + cleaned
	case strings.HasPrefix(cleaned, "0") && !strings.HasPrefix(cleaned, "00") && len(cleaned) >= 10:
		// local number, e.g. 0771234567
		return "00221" + cleaned[1:]
	}
	return cleaned
}
