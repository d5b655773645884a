package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kastor-labs/torrentcore/internal/validationutils"
	"github.com/kastor-labs/torrentcore/pkg/errs"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads and validates a Config from path, matching
// internal/config/config-loader.go's decode-then-validate shape. A
// validation failure is reported as an errs.InputError, matching §7's
// "caller supplied a bad value" classification; I/O and parse failures
// are plain wrapped errors since they are infrastructure failures, not
// a caller input problem per se.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to open '%s'", path)
	}
	defer func() { _ = f.Close() }()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "config: failed to parse '%s'", path)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs the struct-tag validator over cfg, translating its error
// into an errs.InputError.
func Validate(cfg *Config) error {
	v := validator.New()
	v.RegisterTagNameFunc(validationutils.TagNameFunction)
	if err := v.Struct(cfg); err != nil {
		return errs.WrapInput(err, "config: invalid configuration")
	}
	return nil
}
