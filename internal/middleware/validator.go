package middleware

import (
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// licenseCodePattern matches activation codes before normalization.
// Codes are trimmed and uppercased by the domain layer, so matching is
// case insensitive here.
var licenseCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{2,63}$`)

// NewValidator builds a validator with the licensing tags registered.
// A single instance is safe for concurrent use across handlers.
func NewValidator() *validator.Validate {
	v := validator.New()

	v.RegisterValidation("license_code", isLicenseCode)
	v.RegisterValidation("fingerprint", isFingerprint)

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

func isLicenseCode(fl validator.FieldLevel) bool {
	return licenseCodePattern.MatchString(strings.TrimSpace(fl.Field().String()))
}

// isFingerprint validates hardware identifier format. Identifiers are
// opaque client-chosen strings that get hashed immediately, so anything
// non-empty after trimming is accepted up to a sanity length bound.
func isFingerprint(fl validator.FieldLevel) bool {
	fp := strings.TrimSpace(fl.Field().String())
	if fp == "" || len(fp) > 256 {
		return false
	}
	for _, ch := range fp {
		if unicode.IsControl(ch) {
			return false
		}
	}
	return true
}
