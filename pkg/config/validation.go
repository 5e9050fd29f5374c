package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags
// and the per-component rules.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		ok := false
		if errs, ok = err.(validator.ValidationErrors); !ok {
			return err
		}
		msgs := make([]string, 0, len(errs))
		for _, fe := range errs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fieldPath(fe), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	if cfg.Rabbit.URL == "" {
		return fmt.Errorf("rabbit.url is required")
	}
	if err := cfg.CatalogDB.Validate(); err != nil {
		return fmt.Errorf("catalog_db: %w", err)
	}
	if err := cfg.MonitorDB.Validate(); err != nil {
		return fmt.Errorf("monitor_db: %w", err)
	}
	return nil
}

// fieldPath renders a validation error's struct path in config file
// terms: lower-cased, dot-separated, without the root struct name.
func fieldPath(fe validator.FieldError) string {
	path := fe.StructNamespace()
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}
	return strings.ToLower(path)
}
