package internal

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lychee-technology/keel"
)

// RequiredValidator fails on nil and, unless AllowEmptyStrings is set, on
// empty or whitespace-only strings.
type RequiredValidator struct {
	AllowEmptyStrings bool
}

func (RequiredValidator) Name() string { return "required" }

func (v RequiredValidator) Validate(value any) *string {
	switch s := value.(type) {
	case nil:
		return message("is required")
	case string:
		if !v.AllowEmptyStrings && strings.TrimSpace(s) == "" {
			return message("is required")
		}
	case *string:
		if s == nil {
			return message("is required")
		}
		return v.Validate(*s)
	}
	return nil
}

// MaxLengthValidator fails when a string (or list) is longer than Max.
type MaxLengthValidator struct {
	max int
}

// NewMaxLengthValidator checks the bound once; a negative bound is a setup error.
func NewMaxLengthValidator(max int) (*MaxLengthValidator, error) {
	if max < 0 {
		return nil, keel.NewSaveError(keel.ErrorTypeValidation, keel.ErrCodeValidatorMisconfigured,
			fmt.Sprintf("maxLength bound must not be negative, got %d", max))
	}
	return &MaxLengthValidator{max: max}, nil
}

func (*MaxLengthValidator) Name() string { return "maxLength" }

func (v *MaxLengthValidator) Max() int { return v.max }

func (v *MaxLengthValidator) Validate(value any) *string {
	n, ok := valueLength(value)
	if !ok || n <= v.max {
		return nil
	}
	return message(fmt.Sprintf("must be at most %d characters long", v.max))
}

// MinLengthValidator fails when a non-nil string (or list) is shorter than Min.
type MinLengthValidator struct {
	min int
}

func NewMinLengthValidator(min int) (*MinLengthValidator, error) {
	if min < 0 {
		return nil, keel.NewSaveError(keel.ErrorTypeValidation, keel.ErrCodeValidatorMisconfigured,
			fmt.Sprintf("minLength bound must not be negative, got %d", min))
	}
	return &MinLengthValidator{min: min}, nil
}

func (*MinLengthValidator) Name() string { return "minLength" }

func (v *MinLengthValidator) Validate(value any) *string {
	n, ok := valueLength(value)
	if !ok || n >= v.min {
		return nil
	}
	return message(fmt.Sprintf("must be at least %d characters long", v.min))
}

// PatternValidator fails when a string does not match the expression.
type PatternValidator struct {
	re *regexp.Regexp
}

func NewPatternValidator(pattern string) (*PatternValidator, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, keel.NewSaveError(keel.ErrorTypeValidation, keel.ErrCodeValidatorMisconfigured,
			fmt.Sprintf("invalid pattern %q", pattern)).WithCause(err)
	}
	return &PatternValidator{re: re}, nil
}

func (*PatternValidator) Name() string { return "pattern" }

func (v *PatternValidator) Validate(value any) *string {
	s, ok := value.(string)
	if !ok || v.re.MatchString(s) {
		return nil
	}
	return message(fmt.Sprintf("must match pattern %s", v.re.String()))
}

// RangeValidator bounds numeric values. Either bound may be nil.
type RangeValidator struct {
	Min *float64
	Max *float64
}

func (RangeValidator) Name() string { return "range" }

func (v RangeValidator) Validate(value any) *string {
	f, ok := toFloat64(value)
	if !ok {
		return nil
	}
	if v.Min != nil && f < *v.Min {
		return message(fmt.Sprintf("must be greater than or equal to %v", *v.Min))
	}
	if v.Max != nil && f > *v.Max {
		return message(fmt.Sprintf("must be less than or equal to %v", *v.Max))
	}
	return nil
}

// EnumValidator restricts values to a fixed set, compared by canonical string.
type EnumValidator struct {
	allowed map[string]struct{}
	display []string
}

func NewEnumValidator(values []any) *EnumValidator {
	v := &EnumValidator{allowed: make(map[string]struct{}, len(values))}
	for _, a := range values {
		key := keel.KeyString([]any{a})
		v.allowed[key] = struct{}{}
		v.display = append(v.display, key)
	}
	return v
}

func (*EnumValidator) Name() string { return "enum" }

func (v *EnumValidator) Validate(value any) *string {
	if value == nil {
		return nil
	}
	if _, ok := v.allowed[keel.KeyString([]any{value})]; ok {
		return nil
	}
	return message(fmt.Sprintf("must be one of [%s]", strings.Join(v.display, ", ")))
}

func message(s string) *string {
	return &s
}

func valueLength(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		return utf8.RuneCountInString(v), true
	case *string:
		if v == nil {
			return 0, false
		}
		return utf8.RuneCountInString(*v), true
	case []any:
		return len(v), true
	case []byte:
		return len(v), true
	default:
		return 0, false
	}
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
