package processor

import "unicode/utf8"

const (
	// MetadataItemNameLimit caps item names stored in payment intent metadata.
	MetadataItemNameLimit = 40
	// MetadataValueLimit is the processor's hard limit on metadata values.
	MetadataValueLimit = 500
)

// ReplaceMetadata returns next plus an empty value for every key of previous
// that next drops. The processor deletes keys sent with an empty value, so
// one update both rewrites and prunes an object's metadata.
func ReplaceMetadata(previous, next map[string]string) map[string]string {
	out := make(map[string]string, len(previous)+len(next))
	for k := range previous {
		if _, ok := next[k]; !ok {
			out[k] = ""
		}
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

// TruncateMetadata shortens value to at most limit runes.
func TruncateMetadata(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
