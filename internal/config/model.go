package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aristath/factorrisk/internal/modules/riskmodel"
)

var validate = validator.New()

// LoadModelConfig builds the model configuration: tag defaults, then the optional
// YAML file at path, then validation. An empty path yields the defaults.
func LoadModelConfig(path string) (riskmodel.Config, error) {
	var cfg riskmodel.Config
	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("apply model defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read model config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse model config: %w", err)
		}
	}

	if err := ValidateModelConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ValidateModelConfig checks field constraints and that every configured grouping
// level exists in the classification hierarchy.
func ValidateModelConfig(cfg riskmodel.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("validate model config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validate model config: %w", err)
	}
	if err := cfg.CheckLevels(); err != nil {
		return fmt.Errorf("validate model config: %w", err)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s", field, fe.Param())
	case "ltfield":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
