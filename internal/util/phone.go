package util

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used for numbers given without a country code.
const DefaultRegion = "IN"

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone returns p in E.164 form.
func NormalizePhone(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrInvalidPhone
	}
	num, err := phonenumbers.Parse(p, DefaultRegion)
	if err != nil {
		return "", ErrInvalidPhone
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
