package env

import (
	"os"
	"strconv"
	"strings"
)

// Prefix namespaces every variable this service reads.
const Prefix = "STUDIO_"

// Lookup returns the trimmed value of STUDIO_<key>, falling back to the bare
// key so shared settings such as LOG_FORMAT keep working.
func Lookup(key string) (string, bool) {
	for _, name := range []string{Prefix + key, key} {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val, true
		}
	}
	return "", false
}

// Get returns the value of the given environment variable or a fallback.
func Get(key, fallback string) string {
	if val, ok := Lookup(key); ok {
		return val
	}
	return fallback
}

// Bool parses the variable with strconv.ParseBool; unset or unparsable
// values give fallback.
func Bool(key string, fallback bool) bool {
	val, ok := Lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
