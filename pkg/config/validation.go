package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// The admin API needs an address when enabled
	if cfg.Admin.Enabled && cfg.Admin.Listen == "" {
		return fmt.Errorf("admin: listen address is required when the admin API is enabled")
	}

	// A badger store needs somewhere to live
	if cfg.Store.Type == "badger" {
		path, _ := cfg.Store.Badger["path"].(string)
		inMemory, _ := cfg.Store.Badger["in_memory"].(bool)
		if path == "" && !inMemory {
			return fmt.Errorf("store.badger: path is required unless in_memory is set")
		}
	}

	// An s3 image source needs a region to build a client
	if cfg.Images.Type == "s3" {
		region, _ := cfg.Images.S3["region"].(string)
		if region == "" {
			return fmt.Errorf("images.s3: region is required")
		}
	}

	// A burst without a rate is meaningless
	if cfg.Servicing.MountsPerSecond == 0 && cfg.Servicing.MountBurst != 0 {
		return fmt.Errorf("servicing: mount_burst requires mounts_per_second to be set")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
