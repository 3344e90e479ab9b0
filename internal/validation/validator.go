package validation

import (
	"reflect"
	"regexp"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// androidPackage matches a Java-style application id, e.g. com.example.app.
var androidPackage = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)

// New returns a configured validator with the custom rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(jsonName)

	_ = v.RegisterValidation("android_package", func(fl validatorv10.FieldLevel) bool {
		return androidPackage.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(verifyStructValidation, VerifyRequest{})

	return v
}

// jsonName reports fields by their JSON key so errors match the request body.
func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// verifyStructValidation rejects tokens carrying whitespace; clients sometimes
// paste them with a trailing newline and the provider treats that as a
// different token.
func verifyStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(VerifyRequest)

	if strings.ContainsAny(req.PurchaseToken, " \t\r\n") {
		sl.ReportError(req.PurchaseToken, "purchase_token", "PurchaseToken", "no_whitespace", "")
	}
	if strings.TrimSpace(req.UserID) != req.UserID {
		sl.ReportError(req.UserID, "user_id", "UserID", "trimmed", "")
	}
}
