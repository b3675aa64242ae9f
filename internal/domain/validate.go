package domain

import (
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrAddressIncomplete indicates a required address field is blank.
	ErrAddressIncomplete = errors.New("domain: address is missing required fields")
	// ErrInvalidPostalCode indicates the postal code fails US structural checks.
	ErrInvalidPostalCode = errors.New("domain: invalid postal code")
	// ErrInvalidRegion indicates the state or region code is malformed.
	ErrInvalidRegion = errors.New("domain: invalid region code")
)

// Validate applies structural checks to the address. US addresses require a
// five digit ZIP (optionally ZIP+4) and a two letter state code; other
// countries only need the required fields populated.
func (a Address) Validate() error {
	if strings.TrimSpace(a.Recipient) == "" ||
		strings.TrimSpace(a.Line1) == "" ||
		strings.TrimSpace(a.City) == "" ||
		strings.TrimSpace(a.Region) == "" ||
		strings.TrimSpace(a.PostalCode) == "" {
		return ErrAddressIncomplete
	}

	if !a.IsUS() {
		return nil
	}

	if !validUSPostalCode(a.PostalCode) {
		return ErrInvalidPostalCode
	}
	if !validUSRegionCode(a.Region) {
		return ErrInvalidRegion
	}
	return nil
}

func validUSPostalCode(code string) bool {
	code = strings.TrimSpace(code)
	base := code
	if idx := strings.IndexByte(code, '-'); idx >= 0 {
		base = code[:idx]
		plus4 := code[idx+1:]
		if len(plus4) != 4 || !allDigits(plus4) {
			return false
		}
	}
	return len(base) == 5 && allDigits(base)
}

func validUSRegionCode(region string) bool {
	region = strings.TrimSpace(region)
	if len(region) != 2 {
		return false
	}
	for _, r := range region {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizeAddress trims whitespace and upper-cases the region/country codes
// so downstream rule lookups operate on canonical values.
func NormalizeAddress(a Address) Address {
	a.Recipient = strings.TrimSpace(a.Recipient)
	a.Line1 = strings.TrimSpace(a.Line1)
	a.Line2 = strings.TrimSpace(a.Line2)
	a.City = strings.TrimSpace(a.City)
	a.Region = strings.ToUpper(strings.TrimSpace(a.Region))
	a.PostalCode = strings.TrimSpace(a.PostalCode)
	a.Country = strings.ToUpper(strings.TrimSpace(a.Country))
	if a.Role == "" {
		a.Role = AddressRoleShipping
	}
	return a
}
