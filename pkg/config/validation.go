package config

import (
	"reflect"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// Validator is an optional interface for configuration structs that need
// checks beyond `required` tags (ranges, cross-field rules, format
// patterns). When the struct passed to [Loader.Load] implements
// Validator, Validate runs after tag-based validation succeeds.
//
// Errors that already carry an [*ekerr.Error] pass through unchanged;
// anything else is wrapped with [ekerr.CodeValidation].
type Validator interface {
	Validate() error
}

// validate runs required-tag validation and then the Validator hook.
func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			if _, structured := ekerr.AsError(err); structured {
				return err
			}
			return ekerr.Wrap(err, ekerr.CodeValidation,
				"config: custom validation failed")
		}
	}

	return nil
}

// validateRequired checks that every field tagged `required:"true"` holds
// a non-zero value, recursing into nested structs. The path accumulates
// the dotted field path for error messages.
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") != "true" {
			continue
		}

		if field.IsZero() {
			return ekerr.Newf(ekerr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}

	return nil
}
