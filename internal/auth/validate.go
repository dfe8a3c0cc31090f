package auth

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

func (in RegisterInput) validate() error {
	return toValidationError(validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&in.Name, validation.Required, validation.Length(2, 100)),
		validation.Field(&in.Password, validation.Required),
		validation.Field(&in.Phone, validation.Length(0, 32)),
	))
}

func (in LoginInput) validate() error {
	return toValidationError(validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, validation.Length(3, 254)),
		validation.Field(&in.Password, validation.Required, validation.Length(1, 1024)),
	))
}

func (in ChangePasswordInput) validate() error {
	return toValidationError(validation.ValidateStruct(&in,
		validation.Field(&in.CurrentPassword, validation.Required),
		validation.Field(&in.NewPassword, validation.Required),
	))
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
		for field, fieldErr := range fieldErrs {
			out.Fields[field] = fieldErr.Error()
		}
		return out
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizePhone returns the E.164 form of raw, or "" when raw is empty.
func normalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	parsed, err := phonenumbers.Parse(raw, region)
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", newValidationError("phone", "must be a valid phone number")
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
