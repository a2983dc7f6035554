package event

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

// Validator checks payloads against the standardized shape and per-type
// required fields.
type Validator struct {
	v *validator.Validate

	mu       sync.RWMutex
	required map[string][]string
}

// NewValidator returns a Validator preloaded with DefaultRequiredFields.
func NewValidator() *Validator {
	required := make(map[string][]string, len(DefaultRequiredFields))
	for t, fields := range DefaultRequiredFields {
		required[t] = slices.Clone(fields)
	}
	return &Validator{
		v:        validator.New(validator.WithRequiredStructEnabled()),
		required: required,
	}
}

// RequireFields adds required data fields for eventType.
func (v *Validator) RequireFields(eventType string, fields ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, f := range fields {
		if !slices.Contains(v.required[eventType], f) {
			v.required[eventType] = append(v.required[eventType], f)
		}
	}
}

// Validate returns a ValidationError listing every problem, or nil.
func (v *Validator) Validate(eventType string, p *Payload) error {
	if p == nil {
		return &ecerrors.ValidationError{Subject: eventType, Errors: []string{"payload is nil"}}
	}

	var problems []string
	if !ValidName(eventType) {
		problems = append(problems, fmt.Sprintf("invalid event type %q", eventType))
	}

	if err := v.v.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate payload: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describe(fe))
		}
	}

	v.mu.RLock()
	required := v.required[eventType]
	v.mu.RUnlock()
	for _, f := range required {
		if val, ok := p.Data[f]; !ok || val == nil {
			problems = append(problems, fmt.Sprintf("missing required field %q", f))
		}
	}

	if len(problems) > 0 {
		return &ecerrors.ValidationError{Subject: eventType, Errors: problems}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
}
