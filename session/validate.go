package session

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// validateUser checks a UserRecord received from the backend. A malformed
// identity is treated as a failed exchange, not a user error.
func validateUser(u *UserRecord) error {
	if u == nil {
		return fmt.Errorf("%w: response carried no user", ErrNetwork)
	}
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("%w: malformed user record: %w", ErrNetwork, err)
	}
	return nil
}
