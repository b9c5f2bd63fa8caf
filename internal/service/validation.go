package service

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
)

// bcrypt ignores everything past 72 bytes.
const maxPasswordBytes = 72

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("password", func(fl validator.FieldLevel) bool {
			return isStrongPassword(fl.Field().String())
		})
	})
	return validate
}

func isStrongPassword(pw string) bool {
	if len(pw) > maxPasswordBytes {
		return false
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit
}

// validateRequest checks req against its validate tags. Failures carry a
// "fields" context entry mapping the JSON field name to a message.
func validateRequest(req any) error {
	err := getValidator().Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return oops.Code(CodeValidation).Errorf("invalid request")
	}

	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, e := range verrs {
		if _, seen := fields[e.Field()]; seen {
			continue
		}
		fields[e.Field()] = fieldMessage(e)
		names = append(names, e.Field())
	}
	sort.Strings(names)

	return oops.Code(CodeValidation).
		With("fields", fields).
		Errorf("invalid %s", strings.Join(names, ", "))
}

func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + e.Param() + " characters"
	case "max":
		return "must be at most " + e.Param() + " characters"
	case "eqfield":
		return "must match password"
	case "password":
		return "must contain upper and lower case letters and a digit, at most 72 bytes"
	default:
		return "is invalid"
	}
}

// ValidationFields extracts the per-field messages from a validation error.
func ValidationFields(err error) map[string]string {
	ctx := ErrorContext(err)
	if ctx == nil {
		return nil
	}
	fields, _ := ctx["fields"].(map[string]string)
	return fields
}
