package mirror

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// envPrefix is prepended to upper-cased TOML key names to form
// environment variable names, as in APTGATE_MAX_CONNS.
const envPrefix = "APTGATE_"

// ApplyEnvironmentVariables overrides global configuration fields from
// the environment. Every scalar field answers to its TOML key
// upper-cased and prefixed, so dir becomes APTGATE_DIR and max_conns
// becomes APTGATE_MAX_CONNS. Nested tables use the table name as an
// infix, as in APTGATE_LOG_LEVEL. Unset and empty variables leave the
// configuration untouched. Repository tables cannot be set this way.
func (c *Config) ApplyEnvironmentVariables() error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		envVar := envPrefix + strings.ToUpper(tag)
		field := v.Field(i)

		switch field.Interface().(type) {
		case LogConfig:
			if err := applyEnvToStruct(field, envVar+"_"); err != nil {
				return err
			}
		case tomlDuration:
			value := os.Getenv(envVar)
			if value == "" {
				continue
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return errors.Wrapf(err, "%s must be a duration", envVar)
			}
			field.Set(reflect.ValueOf(tomlDuration{d}))
		case map[string]*RepoConfig:
			// file-only
		default:
			if err := setFieldFromEnv(field, envVar); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyEnvToStruct(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		if err := setFieldFromEnv(v.Field(i), prefix+strings.ToUpper(tag)); err != nil {
			return err
		}
	}
	return nil
}

// setFieldFromEnv assigns one value from the named environment
// variable, converted to the field's kind. Comma-separated values fill
// string slices.
func setFieldFromEnv(field reflect.Value, envVar string) error {
	value := os.Getenv(envVar)
	if value == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "%s must be an integer", envVar)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "%s must be a boolean", envVar)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))
	}
	return nil
}
