package docstore

import "time"

// Document is one schema-flexible product record as returned by the document
// store. Accessors tolerate the loose typing of real-world records: numbers
// arrive as float64, flags as bools, numbers or "on"/"true" strings.
type Document map[string]interface{}

// Code returns the product's natural code, or "" when absent.
func (d Document) Code() string {
	code, _ := d.String("code")
	return code
}

func (d Document) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Strings reads a tag field that may be a single string or an array.
func (d Document) Strings(key string) []string {
	switch v := d[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

func (d Document) Int(key string) (int64, bool) {
	switch v := d[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func (d Document) Bool(key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "1" || v == "on" || v == "true"
	}
	return false
}

// Time reads an epoch-seconds field.
func (d Document) Time(key string) (time.Time, bool) {
	sec, ok := d.Int(key)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}
