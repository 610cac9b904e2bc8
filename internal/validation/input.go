// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/url"
	"strings"
	"unicode"
)

// MaxFingerprintLength ограничивает длину отпечатка клиента.
const MaxFingerprintLength = 128

// IsValidFingerprint проверяет отпечаток клиента: 3..128 символов из букв, цифр, '-', '_' и '.'.
func IsValidFingerprint(fp string) bool {
	if len(fp) < 3 || len(fp) > MaxFingerprintLength {
		return false
	}

	for _, ch := range fp {
		if ch > unicode.MaxASCII {
			return false
		}
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		switch ch {
		case '-', '_', '.':
		default:
			return false
		}
	}

	return true
}

// IsValidImageURL проверяет, что адрес изображения является абсолютным http(s) URL с хостом.
func IsValidImageURL(raw string) bool {
	if raw == "" || len(raw) > 2048 || strings.ContainsAny(raw, " \t\r\n") {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != "" && u.User == nil
}
