package schema

import (
	"os"
	"regexp"

	"github.com/pkg/errors"
)

// SecretSource resolves {{NAME}} placeholders in configuration
// documents. The conventional source is the process environment.
type SecretSource interface {
	Lookup(name string) (string, bool)
}

type envSecrets struct{}

func (envSecrets) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// EnvSecrets resolves secrets against environment variables.
func EnvSecrets() SecretSource {
	return envSecrets{}
}

// StaticSecrets resolves secrets from a fixed map. Used in tests.
type StaticSecrets map[string]string

func (s StaticSecrets) Lookup(name string) (string, bool) {
	v, ok := s[name]
	return v, ok
}

var secretPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// resolveSecrets substitutes every {{NAME}} in the raw document before
// parsing. A missing secret is an error so a half-resolved document
// never reaches the loader.
func resolveSecrets(data []byte, src SecretSource) ([]byte, error) {
	var missing string
	out := secretPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(secretPattern.FindSubmatch(match)[1])
		value, ok := src.Lookup(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return []byte(value)
	})
	if missing != "" {
		return nil, errors.Errorf("missing secret %q", missing)
	}
	return out, nil
}
