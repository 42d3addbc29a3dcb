package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"careportal/internal/domain"
	"careportal/pkg/errors"
)

// maxBodyBytes caps auth request bodies
const maxBodyBytes = 64 << 10

// requestValidator wraps the go-playground validator with portal rules
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	validate := validator.New()

	// Sign-up may only request a self-assignable role
	_ = validate.RegisterValidation("portal_role", func(fl validator.FieldLevel) bool {
		role, ok := domain.ParseRole(fl.Field().String())
		return ok && role.SelfAssignable()
	})

	// Use JSON field names for validation error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &requestValidator{validate: validate}
}

// Validate returns a validation AppError with one message per failing field
func (v *requestValidator) Validate(i interface{}) *errors.AppError {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.NewInternalError("Failed to validate request", err)
	}

	details := make(map[string]interface{}, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fieldMessage(fe)
	}
	return errors.NewValidationError("Request validation failed", details)
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
	case "portal_role":
		return "role must be patient or doctor"
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// decodeJSON reads a bounded JSON body into dst and validates it
func (v *requestValidator) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) *errors.AppError {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return errors.NewValidationError("Request body is required", nil)
		}
		return errors.NewValidationError("Request body is not valid JSON", map[string]interface{}{
			"body": err.Error(),
		})
	}
	return v.Validate(dst)
}
