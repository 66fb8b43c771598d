package instance

import "os"

// GetID identifies the running process in logs: the dyno name on Heroku,
// the hostname elsewhere, or "local".
func GetID() string {
	for _, key := range []string{"DYNO", "STUDIO_INSTANCE_ID"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
