package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// Metadata is a flat string map persisted as a JSON object. It mirrors the
// key/value metadata the processor stores on payment intents.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, fmt.Errorf("metadata: marshal: %w", err)
	}
	return string(raw), nil
}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}

	raw, ok := toString(value)
	if !ok {
		return fmt.Errorf("metadata: unsupported scan type %T", value)
	}
	if raw == "" {
		*m = Metadata{}
		return nil
	}

	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fmt.Errorf("metadata: unmarshal: %w", err)
	}
	*m = Metadata(out)
	return nil
}

// Keys returns the metadata keys in lexical order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Cleared returns a copy with every key present but blanked, which is how
// stale keys are removed from a processor object on update.
func (m Metadata) Cleared() Metadata {
	out := make(Metadata, len(m))
	for k := range m {
		out[k] = ""
	}
	return out
}

func toString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}
