// Package validation checks the shape of incoming auth payloads before any
// side effect happens. Only the first failing field is reported.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/publicsuffix"
)

// PasswordPattern is the accepted shape of a password at registration.
const PasswordPattern = `^[a-zA-Z0-9]{3,30}$`

var rePassword = regexp.MustCompile(PasswordPattern)

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,alphanum,min=3,max=30"`
	Password string `json:"password" validate:"required,password"`
	Email    string `json:"email" validate:"required,email,tld"`
}

// LoginRequest is the login payload. No format constraints beyond presence.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Error is a validation failure carrying a message safe to return to clients.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Validator wraps a configured go-playground validator.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return rePassword.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("tld", func(fl validator.FieldLevel) bool {
		return hasKnownTLD(fl.Field().String())
	})
	return &Validator{v: v}
}

// hasKnownTLD reports whether the domain of an email address ends in an
// ICANN-managed top-level domain, so "a@example.notatld" is rejected.
func hasKnownTLD(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := strings.TrimSuffix(strings.ToLower(email[at+1:]), ".")
	dot := strings.LastIndexByte(domain, '.')
	if dot < 0 {
		return false
	}
	// Only the last label is checked; private suffixes below it are fine.
	_, icann := publicsuffix.PublicSuffix(domain[dot+1:])
	return icann
}

func (v *Validator) ValidateRegister(req RegisterRequest) error {
	return v.Struct(req)
}

func (v *Validator) ValidateLogin(req LoginRequest) error {
	return v.Struct(req)
}

// Struct validates s and converts the first failure into an *Error.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate: %w", err)
	}

	fe := verrs[0]
	return &Error{Field: fe.Field(), Message: message(fe)}
}

func message(fe validator.FieldError) string {
	field := fmt.Sprintf("%q", fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "alphanum":
		return field + " must only contain alpha-numeric characters"
	case "min":
		return fmt.Sprintf("%s length must be at least %s characters long", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s length must be less than or equal to %s characters long", field, fe.Param())
	case "email", "tld":
		return field + " must be a valid email"
	case "password":
		return fmt.Sprintf("%s fails to match the required pattern: /%s/", field, PasswordPattern)
	default:
		return field + " is invalid"
	}
}
