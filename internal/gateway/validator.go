package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// CustomValidator implements Echo's Validator interface. Besides the stock
// tags it knows "eventtypes", a comma separated list of event type names.
type CustomValidator struct {
	validator *validator.Validate
}

// NewCustomValidator creates a new custom validator.
func NewCustomValidator() *CustomValidator {
	v := validator.New()
	_ = v.RegisterValidation("eventtypes", func(fl validator.FieldLevel) bool {
		_, err := ParseTypes(fl.Field().String())
		return err == nil
	})
	return &CustomValidator{validator: v}
}

// Validate validates a bound request and reports the first failing field.
func (cv *CustomValidator) Validate(i interface{}) error {
	err := cv.validator.Struct(i)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "eventtypes":
		_, perr := ParseTypes(fmt.Sprint(fe.Value()))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s: %v", field, perr))
	case "max":
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s: longer than %s", field, fe.Param()))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
	}
}
