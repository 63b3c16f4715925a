package jsonconv

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Normalize returns a copy of tree in canonical form for comparison.
// Numbers become int64 when integral and float64 otherwise, and strings
// holding RFC 3339 datetimes are rewritten in UTC.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		res := make(map[string]any, len(x))
		for k, e := range x {
			res[k] = Normalize(e)
		}
		return res
	case []any:
		res := make([]any, len(x))
		for i, e := range x {
			res[i] = Normalize(e)
		}
		return res
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return string(x)
		}
		return normFloat(f)
	case string:
		return normString(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u <= math.MaxInt64 {
			return int64(u)
		}
		return float64(u)
	case reflect.Float32, reflect.Float64:
		return normFloat(rv.Float())
	case reflect.String:
		return normString(rv.String())
	}
	return v
}

func normFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func normString(s string) string {
	// cheap rejection before attempting a parse
	if len(s) < len("2006-01-02T15:04:05Z") || s[4] != '-' || s[10] != 'T' {
		return s
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Canonical returns the JSON encoding of the normalized tree. Object keys are
// sorted, so equal trees have equal encodings.
func Canonical(v any) string {
	data, err := json.Marshal(Normalize(v))
	if err != nil {
		// trees from Decode always encode
		return ""
	}
	return string(data)
}
