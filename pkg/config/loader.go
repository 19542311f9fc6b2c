// Package config loads configuration for edgekit services and tools from
// struct tag defaults, an optional YAML/JSON file, and environment
// variables, resolved in that priority order (environment wins):
//
//	envDefault struct tags  (lowest priority)
//	YAML/JSON config file   (medium priority)
//	environment variables   (highest priority)
//
// Defaults live in code, a file provides per-environment overrides, and
// env vars injected by the deployment platform take final precedence.
//
// # Struct tags
//
//   - `env:"VAR"` — binds the field to an environment variable
//   - `envDefault:"value"` — default applied when the field is zero
//   - `required:"true"` — load fails if the field is still zero afterwards
//
// File-based loading uses the standard `yaml`/`json` tags.
//
// # Usage
//
//	type ShipperConfig struct {
//	    IngestURL string        `env:"INGEST_URL" yaml:"ingest_url" required:"true"`
//	    BatchSize int           `env:"BATCH_SIZE" envDefault:"100" yaml:"batch_size"`
//	    Interval  time.Duration `env:"INTERVAL" envDefault:"1s" yaml:"interval"`
//	}
//
//	cfg := config.MustLoad[ShipperConfig](config.New().WithEnvPrefix("LOGSHIP"))
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// durationType distinguishes time.Duration fields from plain int64 during
// struct traversal; Duration's reflect kind is Int64 but its values parse
// with time.ParseDuration.
var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves configuration with the layered strategy described in
// the package documentation. Construct with [New], customize with
// [Loader.WithEnvPrefix] and [Loader.WithFile], then call [Loader.Load].
//
// A Loader is not safe for concurrent use; create one per Load call.
type Loader struct {
	envPrefix string
	filePath  string
}

// New returns a Loader that reads environment variables only, with no
// prefix and no file.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix sets a prefix joined with "_" to every env tag name, so
// that WithEnvPrefix("ACCESS") makes a field tagged `env:"TEAM"` read
// from ACCESS_TEAM. The prefix is uppercased; empty disables prefixing.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets an optional YAML (.yaml/.yml) or JSON (.json) file to
// load. A missing file is not an error; an unrecognized extension is.
// Paths containing ".." are rejected at load time.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct, by
// applying envDefault tags, then file values, then environment variables.
// After loading, `required:"true"` fields are checked for non-zero values
// and, if cfg implements [Validator], its Validate method is invoked.
//
// Load failures carry [ekerr.CodeInternalConfiguration]; validation
// failures carry [ekerr.CodeValidationRequired] or [ekerr.CodeValidation].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ekerr.New(ekerr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}

	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return ekerr.New(ekerr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	if err := applyEnv(rv, l.envPrefix); err != nil {
		return err
	}

	return validate(cfg, rv)
}

// MustLoad loads a zero value of T through the given loader and panics on
// failure. Intended for application startup where invalid configuration
// should prevent the process from running at all.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

// loadFile reads and unmarshals the configured file. A missing file is
// ignored; file configuration is optional by contract.
func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return ekerr.New(ekerr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ekerr.Wrapf(err, ekerr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return ekerr.Wrapf(err, ekerr.CodeInternalConfiguration,
				"config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return ekerr.Wrapf(err, ekerr.CodeInternalConfiguration,
				"config: failed to parse JSON file %q", l.filePath)
		}
	default:
		return ekerr.Newf(ekerr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}

	return nil
}

// applyDefaults walks the struct and sets zero-valued fields to their
// envDefault tag values, recursing into nested structs.
func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}

		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}

		if err := setField(field, tag); err != nil {
			return ekerr.Wrapf(err, ekerr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}

	return nil
}

// applyEnv walks the struct and overrides fields from environment
// variables. For nested structs the parent's env tag joins the prefix, so
// a struct tagged `env:"REDIS"` containing a field tagged `env:"HOST"`
// reads from <prefix>_REDIS_HOST.
func applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		envTag := sf.Tag.Get("env")

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			nested := prefix
			if envTag != "" {
				if nested != "" {
					nested += "_" + envTag
				} else {
					nested = envTag
				}
			}
			if err := applyEnv(field, nested); err != nil {
				return err
			}
			continue
		}

		if envTag == "" {
			continue
		}

		key := envTag
		if prefix != "" {
			key = prefix + "_" + envTag
		}

		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}

		if err := setField(field, val); err != nil {
			return ekerr.Wrapf(err, ekerr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, key)
		}
	}

	return nil
}

// setField parses value into the field. Supported kinds: string (and
// named string types such as logship.Secret), bool, signed integers,
// time.Duration, and []string (comma-separated, trimmed).
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		// MakeSlice with the field's own type keeps named slice types
		// (type Datasets []string) assignable.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}

	return nil
}
