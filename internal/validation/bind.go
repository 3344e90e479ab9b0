package validation

import (
	"errors"
	"maps"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// BindAndValidate binds the JSON body into out and validates it. On failure it
// aborts with a 400 and returns the error so the handler can stop.
func BindAndValidate(c *gin.Context, out any, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		badRequest(c, "invalid_request_body", gin.H{"msg": err.Error()})
		return err
	}
	if err := v.Struct(out); err != nil {
		badRequest(c, "validation_failed", gin.H{"fields": FieldErrors(err)})
		return err
	}
	return nil
}

func badRequest(c *gin.Context, code string, detail gin.H) {
	body := gin.H{"error": code}
	maps.Copy(body, detail)
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}

// FieldErrors maps each failing field, by its JSON name, to the rule it broke.
func FieldErrors(err error) map[string]string {
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]string{"error": err.Error()}
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
