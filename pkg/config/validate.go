package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration against its struct tags plus a few
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on the '%s' rule", fieldPath(fe), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	// filename_regex needs a pattern to match against.
	if containsString(cfg.Import.GoldPolicies, "filename_regex") && cfg.Import.GoldRegex == "" {
		return fmt.Errorf("invalid configuration: import.gold_regex is required with the filename_regex policy")
	}
	if containsString(cfg.Import.GoldPolicies, "gold_directory") && cfg.Import.GoldDir == "" {
		return fmt.Errorf("invalid configuration: import.gold_dir is required with the gold_directory policy")
	}

	// Sync is optional, but a configured remote must be reachable by
	// URL.
	if cfg.Remote.URL != "" {
		if !strings.HasPrefix(cfg.Remote.URL, "http://") && !strings.HasPrefix(cfg.Remote.URL, "https://") {
			return fmt.Errorf("invalid configuration: remote.url must be an http(s) URL")
		}
	}
	return nil
}

// fieldPath renders "Config.Logging.Level" as "logging.level".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
