package pathpolicy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the YAML shape of a policy file. Omitted sections keep their
// built-in defaults.
type Config struct {
	Timeouts   TimeoutConfig   `yaml:"timeouts"`
	Exclusions ExclusionConfig `yaml:"exclusions"`
	CSRF       CSRFConfig      `yaml:"csrf"`
	Routes     RouteConfig     `yaml:"routes"`
}

type TimeoutConfig struct {
	Global   time.Duration `yaml:"global" validate:"gt=0"`
	PerRoute time.Duration `yaml:"per_route" validate:"gt=0"`
	Routed   []string      `yaml:"routed" validate:"dive,glob"`
	Custom   []TimeoutRule `yaml:"custom" validate:"dive"`
}

type TimeoutRule struct {
	Pattern string        `yaml:"pattern" validate:"required,glob"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type ExclusionConfig struct {
	Timeout []string `yaml:"timeout" validate:"dive,glob"`
	Tracing []string `yaml:"tracing" validate:"dive,glob"`
	Headers []string `yaml:"headers" validate:"dive,glob"`
}

type CSRFConfig struct {
	Protected []string `yaml:"protected" validate:"dive,glob"`
	Exempt    []string `yaml:"exempt" validate:"dive,glob"`
}

type RouteConfig struct {
	Public        []string `yaml:"public" validate:"dive,glob"`
	Admin         []string `yaml:"admin" validate:"dive,glob"`
	Health        []string `yaml:"health" validate:"dive,glob"`
	Authenticated []string `yaml:"authenticated" validate:"dive,glob"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("glob", func(fl validator.FieldLevel) bool {
		return ValidatePattern(fl.Field().String()) == nil
	})
	return v
}

// Validate checks field constraints and glob syntax.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("policy: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

// DefaultConfig returns the built-in tables.
func DefaultConfig() Config {
	return Config{
		Timeouts: TimeoutConfig{
			Global:   30 * time.Second,
			PerRoute: 15 * time.Second,
			Routed:   []string{"/api/**"},
			Custom: []TimeoutRule{
				{Pattern: "/api/upload/**", Timeout: 5 * time.Minute},
				{Pattern: "/api/reports/**", Timeout: 2 * time.Minute},
				{Pattern: "/api/health/**", Timeout: 5 * time.Second},
			},
		},
		Exclusions: ExclusionConfig{
			Timeout: []string{"/actuator/**", "/health", "/fallback/**", "/error", "/status"},
			Tracing: []string{"/actuator/**", "/fallback/**", "/error", "/health", "/status", "/swagger-ui/**", "/v3/api-docs/**", "/webjars/**"},
			Headers: []string{"/actuator/**", "/fallback/**", "/error", "/error-web", "/health", "/status", "/webjars/**"},
		},
		CSRF: CSRFConfig{
			Protected: []string{"/api/auth/admin/**", "/api/users/**", "/api/admin/**"},
			Exempt:    []string{"/api/auth/login", "/api/auth/admin/login", "/api/auth/refresh", "/api/auth/validate", "/actuator/**", "/api/health/**", "/fallback/**"},
		},
		Routes: RouteConfig{
			Public:        []string{"/api/auth/login", "/api/auth/admin/login", "/api/auth/refresh", "/api/auth/validate"},
			Admin:         []string{"/api/admin/**", "/api/auth/admin/**"},
			Health:        []string{"/health", "/health/**", "/status", "/api/health/**", "/actuator/health"},
			Authenticated: []string{"/api/**"},
		},
	}
}

// Parse decodes a YAML document over the built-in defaults and compiles it.
func Parse(data []byte) (*Policy, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return Compile(cfg)
}

// LoadFile reads and compiles the policy file at path.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}
