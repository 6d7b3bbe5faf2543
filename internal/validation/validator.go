package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrValidation marks every error returned by Validate
var ErrValidation = errors.New("validation failed")

// Validator validates structs using `validate` struct tags.
//
// Supported rules: required, min=N, max=N (string length or integer value),
// oneof=a b c, alnum, latin1.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("%w: validate expects a struct", ErrValidation)
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%w: %s %v", ErrValidation, fieldName(fieldType), err)
		}
	}

	return nil
}

// fieldName prefers the json name so errors match request bodies
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")

	for _, rule := range rules {
		ruleName, arg, _ := strings.Cut(rule, "=")

		switch ruleName {
		case "required":
			if field.Kind() == reflect.Ptr && field.IsNil() {
				return fmt.Errorf("is required")
			}
			if field.Kind() == reflect.String && field.Len() == 0 {
				return fmt.Errorf("is required")
			}

		case "min", "max":
			n, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("bad %s rule %q", ruleName, arg)
			}
			got, ok := measure(field)
			if !ok {
				continue
			}
			if ruleName == "min" && got < n {
				return fmt.Errorf("must be at least %d", n)
			}
			if ruleName == "max" && got > n {
				return fmt.Errorf("must be at most %d", n)
			}

		case "oneof":
			s, ok := asString(field)
			if !ok {
				continue
			}
			if !contains(strings.Fields(arg), s) {
				return fmt.Errorf("must be one of [%s], got %s", arg, s)
			}

		case "alnum":
			if field.Kind() != reflect.String {
				continue
			}
			for _, r := range field.String() {
				if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
					return fmt.Errorf("must be alphanumeric")
				}
			}

		case "latin1":
			if field.Kind() != reflect.String {
				continue
			}
			for _, r := range field.String() {
				if r > 0xFF {
					return fmt.Errorf("contains character %q outside latin-1", r)
				}
			}
		}
	}

	return nil
}

// measure returns string length or integer value, dereferencing pointers
func measure(field reflect.Value) (int64, bool) {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return 0, false
		}
		field = field.Elem()
	}

	switch field.Kind() {
	case reflect.String:
		return int64(len(field.String())), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return field.Int(), true
	}
	return 0, false
}

func asString(field reflect.Value) (string, bool) {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return "", false
		}
		field = field.Elem()
	}

	switch field.Kind() {
	case reflect.String:
		return field.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10), true
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
