package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRegister(t *testing.T) {
	v := New()

	tests := []struct {
		name      string
		req       RegisterRequest
		wantField string
		wantMsg   string
	}{
		{
			name: "valid",
			req:  RegisterRequest{Username: "alice01", Password: "abc123", Email: "a@example.com"},
		},
		{
			name:      "username too short",
			req:       RegisterRequest{Username: "ab", Password: "abc123", Email: "a@example.com"},
			wantField: "username",
			wantMsg:   `"username" length must be at least 3 characters long`,
		},
		{
			name:      "username too long",
			req:       RegisterRequest{Username: strings.Repeat("a", 31), Password: "abc123", Email: "a@example.com"},
			wantField: "username",
			wantMsg:   `"username" length must be less than or equal to 30 characters long`,
		},
		{
			name:      "username not alphanumeric",
			req:       RegisterRequest{Username: "alice_01", Password: "abc123", Email: "a@example.com"},
			wantField: "username",
			wantMsg:   `"username" must only contain alpha-numeric characters`,
		},
		{
			name:      "missing username",
			req:       RegisterRequest{Password: "abc123", Email: "a@example.com"},
			wantField: "username",
			wantMsg:   `"username" is required`,
		},
		{
			name:      "password with symbols",
			req:       RegisterRequest{Username: "alice01", Password: "abc123!", Email: "a@example.com"},
			wantField: "password",
			wantMsg:   `"password" fails to match the required pattern: /^[a-zA-Z0-9]{3,30}$/`,
		},
		{
			name:      "password too short",
			req:       RegisterRequest{Username: "alice01", Password: "ab", Email: "a@example.com"},
			wantField: "password",
		},
		{
			name:      "invalid email",
			req:       RegisterRequest{Username: "alice01", Password: "abc123", Email: "not-an-email"},
			wantField: "email",
			wantMsg:   `"email" must be a valid email`,
		},
		{
			name:      "unknown top-level domain",
			req:       RegisterRequest{Username: "alice01", Password: "abc123", Email: "a@example.notatld"},
			wantField: "email",
			wantMsg:   `"email" must be a valid email`,
		},
		{
			name: "country-code domain",
			req:  RegisterRequest{Username: "alice01", Password: "abc123", Email: "a@example.co.uk"},
		},
		{
			name:      "first failure wins",
			req:       RegisterRequest{Username: "ab", Password: "!", Email: "bad"},
			wantField: "username",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateRegister(tc.req)
			if tc.wantField == "" {
				require.NoError(t, err)
				return
			}

			var verr *Error
			require.True(t, errors.As(err, &verr), "expected *Error, got %T", err)
			assert.Equal(t, tc.wantField, verr.Field)
			if tc.wantMsg != "" {
				assert.Equal(t, tc.wantMsg, verr.Error())
			}
		})
	}
}

func TestHasKnownTLD(t *testing.T) {
	assert.True(t, hasKnownTLD("a@example.com"))
	assert.True(t, hasKnownTLD("a@Example.ORG"))
	assert.True(t, hasKnownTLD("a@mail.example.io"))
	assert.True(t, hasKnownTLD("a@someone.blogspot.com"))
	assert.False(t, hasKnownTLD("a@example.notatld"))
	assert.False(t, hasKnownTLD("a@localhost"))
	assert.False(t, hasKnownTLD("no-at-sign.com"))
}

func TestValidateRegister_DoesNotEchoPassword(t *testing.T) {
	v := New()

	err := v.ValidateRegister(RegisterRequest{Username: "alice01", Password: "s3cret!!", Email: "a@example.com"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cret")
}

func TestValidateLogin(t *testing.T) {
	v := New()

	require.NoError(t, v.ValidateLogin(LoginRequest{Username: "any thing", Password: "!!"}))

	err := v.ValidateLogin(LoginRequest{Username: "alice01"})
	require.Error(t, err)
	assert.Equal(t, `"password" is required`, err.Error())

	err = v.ValidateLogin(LoginRequest{Password: "x"})
	require.Error(t, err)
	assert.Equal(t, `"username" is required`, err.Error())
}
