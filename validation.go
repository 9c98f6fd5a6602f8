package main

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const dateLayout = "2006-01-02"

const minCustomerAge = 18

var panPattern = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)

func newValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	if err := vld.RegisterValidation("pan", func(fl validator.FieldLevel) bool {
		return panPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("register 'pan': %w", err)
	}

	if err := vld.RegisterValidation("adult", func(fl validator.FieldLevel) bool {
		dob, err := time.Parse(dateLayout, fl.Field().String())
		if err != nil {
			return false
		}
		return ageOn(dob, time.Now()) >= minCustomerAge
	}); err != nil {
		return nil, fmt.Errorf("register 'adult': %w", err)
	}

	return vld, nil
}

func ageOn(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return years
}

var validationMessages = map[string]func(field, param string) string{
	"required": func(field, _ string) string { return field + " is required" },
	"email":    func(string, string) string { return "Invalid email address" },
	"min":      func(field, param string) string { return field + " must be at least " + param + " characters" },
	"max":      func(field, param string) string { return field + " must be at most " + param + " characters" },
	"len":      func(field, param string) string { return field + " must be exactly " + param + " digits" },
	"number":   func(field, _ string) string { return field + " must contain digits only" },
	"oneof":    func(field, param string) string { return field + " must be one of [" + param + "]" },
	"gt":       func(field, _ string) string { return field + " is required" },
	"datetime": func(field, _ string) string { return field + " must be a date in YYYY-MM-DD format" },
	"adult":    func(string, string) string { return "You must be at least 18 years old" },
	"pan":      func(string, string) string { return "Invalid PAN format" },
}

// toInvalidInput reports the first failing field as ErrInvalidInput.
func toInvalidInput(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return ErrInvalidInput.Wrap(err)
	}
	fe := errs[0]
	if format, ok := validationMessages[fe.Tag()]; ok {
		return ErrInvalidInput.WithMessage(format(fe.Field(), fe.Param()))
	}
	return ErrInvalidInput.WithMessage("Invalid " + fe.Field())
}
