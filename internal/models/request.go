package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"identityresolver/internal/domainerrors"
)

// ErrMissingIdentifier is returned when neither email nor phone number is supplied.
var ErrMissingIdentifier = domainerrors.New(domainerrors.CodeInvalidRequest, "Something went wrong.")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       *string `json:"email" validate:"omitempty,max=254"`
	PhoneNumber *string `json:"phoneNumber" validate:"omitempty,max=20"`
}

// NewIdentifyRequest builds a request from plain values; "" means absent.
func NewIdentifyRequest(email, phoneNumber string) IdentifyRequest {
	return IdentifyRequest{Email: nonEmpty(email), PhoneNumber: nonEmpty(phoneNumber)}
}

// UnmarshalJSON accepts strings, numbers or null for both identifiers.
// Phone numbers are commonly sent as JSON numbers and are kept as their literal text.
func (r *IdentifyRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Email       json.RawMessage `json:"email"`
		PhoneNumber json.RawMessage `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	email, err := decodeIdentifier(raw.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	phone, err := decodeIdentifier(raw.PhoneNumber)
	if err != nil {
		return fmt.Errorf("phoneNumber: %w", err)
	}
	r.Email = email
	r.PhoneNumber = phone
	return nil
}

func decodeIdentifier(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return nonEmpty(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, errors.New("must be a string, a number or null")
	}
	return nonEmpty(n.String()), nil
}

// Validate checks that at least one identifier is present and both fit the stored columns.
func (r IdentifyRequest) Validate() error {
	if r.Email == nil && r.PhoneNumber == nil {
		return ErrMissingIdentifier
	}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domainerrors.New(domainerrors.CodeInvalidRequest,
				fmt.Sprintf("%s must be at most %s characters.", fe.Field(), fe.Param()))
		}
		return domainerrors.Wrap(domainerrors.CodeInternal, "validate request", err)
	}
	return nil
}

// LockKeys returns the serialization keys for the identifiers in the request.
func (r IdentifyRequest) LockKeys() []string {
	keys := make([]string, 0, 2)
	if r.Email != nil {
		keys = append(keys, "email:"+*r.Email)
	}
	if r.PhoneNumber != nil {
		keys = append(keys, "phone:"+*r.PhoneNumber)
	}
	return keys
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
