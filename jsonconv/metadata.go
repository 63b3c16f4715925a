package jsonconv

import "github.com/signadot/docsession/api"

// SplitMetadata separates the @metadata object from a stored document.
// Neither result aliases doc.
func SplitMetadata(doc map[string]any) (body, meta map[string]any) {
	body = make(map[string]any, len(doc))
	for k, v := range doc {
		if k == api.MetadataKey {
			if m, ok := v.(map[string]any); ok {
				meta = CloneObject(m)
			}
			continue
		}
		body[k] = Clone(v)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return body, meta
}

// WithMetadata returns body with meta attached under @metadata.
func WithMetadata(body, meta map[string]any) map[string]any {
	res := make(map[string]any, len(body)+1)
	for k, v := range body {
		res[k] = v
	}
	if len(meta) != 0 {
		res[api.MetadataKey] = meta
	}
	return res
}

// MetadataString returns the string value of key in meta.
func MetadataString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}
