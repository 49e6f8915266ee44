package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject returns a cty object with every environment variable as
// an attribute, for use in the HCL evaluation context as `env`.
// Variable names are sanitized into valid HCL attribute names.
func GetEnvObject() cty.Value {
	envMap := make(map[string]cty.Value)

	for _, envVar := range os.Environ() {
		key, value, ok := strings.Cut(envVar, "=")
		if !ok {
			continue
		}
		envMap[sanitizeEnvVarName(key)] = cty.StringVal(value)
	}

	return cty.ObjectVal(envMap)
}

// sanitizeEnvVarName maps an environment variable name onto a valid HCL
// attribute name: letters, digits, underscores, and hyphens are kept
// (anything else becomes an underscore), and a name starting with a
// digit is prefixed with an underscore rather than losing the digit, so
// distinct names stay distinct.
func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder
	for i, r := range name {
		digit := r >= '0' && r <= '9'
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' ||
			digit || r == '-'
		if i == 0 && (digit || r == '-') {
			result.WriteRune('_')
		}
		if valid {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}

	return result.String()
}
