package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

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
	for tag, fn := range map[string]validator.Func{
		"duration": validateDuration,
		"regexp":   validateRegexp,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("rule: register %q validation: %v", tag, err))
		}
	}
	return v
}

// validateDuration accepts a positive Go duration string.
func validateDuration(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

func validateRegexp(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(fl.Field().String())
	return err == nil
}

// DecodeParams decodes the opaque params of an instance into the definition's
// params struct and validates it. Failures are validation errors.
func DecodeParams(def Definition, raw map[string]any) (any, error) {
	params := def.NewParams()
	if params == nil {
		return nil, nil
	}

	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, ValidationError(fmt.Errorf("encode params: %w", err))
	}
	if err := json.Unmarshal(data, params); err != nil {
		return nil, ValidationError(fmt.Errorf("decode params: %w", err))
	}

	if err := validate.Struct(params); err != nil {
		return nil, ValidationError(describeValidation(err))
	}
	if v, ok := params.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, ValidationError(fmt.Errorf("invalid params: %w", err))
		}
	}
	return params, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "<StructType>.<path>"; drop the type name.
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid params: %s", strings.Join(msgs, "; "))
}
