package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/BradenHooton/sentinel/internal/services"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// ValidationErrorResponse represents a validation error with field-level details
type ValidationErrorResponse struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Global validator instance (reused across all handlers)
var validate = validator.New()

// ValidateRequest validates a request struct using go-playground/validator
// Returns a user-friendly error message if validation fails
func ValidateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			first := ValidationErrorResponse{
				Field:   ve[0].Field(),
				Message: formatValidationError(ve[0]),
			}
			return fmt.Errorf("validation failed: %s: %s", first.Field, first.Message)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// formatValidationError converts a validator FieldError to a user-friendly message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_without":
		return fmt.Sprintf("this field is required when %s is not set", fe.Param())
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// decodeRequest reads a bounded JSON body into dst and validates it. It
// writes a 400 and returns false on any failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return false
	}
	if err := ValidateRequest(dst); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

func requestMeta(r *http.Request, ipConfig *pkghttp.IPConfig) services.RequestMeta {
	return services.RequestMeta{
		IPAddress: pkghttp.ExtractClientIP(r, ipConfig),
		UserAgent: pkghttp.UserAgent(r),
	}
}
