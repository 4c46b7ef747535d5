package source

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ConfigurationError lists the options a Source could not be created without.
type ConfigurationError struct {
	Fields []string
}

func (e *ConfigurationError) Error() string {
	return "missing or invalid keys in config: " + strings.Join(e.Fields, ", ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateOptions(opts Options) error {
	err := validate.Struct(opts)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	return &ConfigurationError{Fields: fields}
}
