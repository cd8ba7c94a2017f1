package provider

import (
	"fmt"
	"reflect"
	"strings"
)

type Result struct {
	Valid   bool
	Missing []string
}

func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("missing required provider properties: %s", strings.Join(r.Missing, ", "))
}

// Validate checks that every required key is present on cfg. An explicitly
// set empty string counts as present; empty lists and nil maps do not. A
// string still carrying an unresolved placeholder reports the placeholder's
// key as missing.
func Validate(cfg *Config, required []string) Result {
	var missing []string
	seen := make(map[string]struct{})
	add := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		missing = append(missing, key)
	}

	for _, key := range required {
		v, ok := cfg.field(key)
		if !ok {
			add(key)
			continue
		}

		switch v.Kind() {
		case reflect.String:
			if v.String() == "" && !cfg.isExplicit(key) {
				add(key)
				continue
			}
			for _, match := range unresolvedPlaceholder.FindAllStringSubmatch(v.String(), -1) {
				add(match[1])
			}
		case reflect.Slice, reflect.Map:
			if v.Len() == 0 {
				add(key)
			}
		default:
			if v.IsZero() && !cfg.isExplicit(key) {
				add(key)
			}
		}
	}

	return Result{Valid: len(missing) == 0, Missing: missing}
}

// validateSessionPolicy applies the global session checks to a provider's
// overrides.
func validateSessionPolicy(p SessionPolicy) []error {
	var errs []error
	if p.MaxAge != nil && *p.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("session.max_age must be positive, got %s", *p.MaxAge))
	}
	if p.ExpirationThreshold != nil && *p.ExpirationThreshold < 0 {
		errs = append(errs, fmt.Errorf("session.expiration_threshold cannot be negative, got %s", *p.ExpirationThreshold))
	}
	if p.MissingPersistentSession != nil {
		switch *p.MissingPersistentSession {
		case "clear", "warn", "silent":
		default:
			errs = append(errs, fmt.Errorf("invalid session.missing_persistent_session: %s (must be clear, warn, or silent)", *p.MissingPersistentSession))
		}
	}
	return errs
}
