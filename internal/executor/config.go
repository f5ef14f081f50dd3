// Package executor implements the built-in node kinds: trigger, note,
// model provider, LLM chain, and output sender. Each executor reads its
// configuration from the node's open data blob, performs the node's side
// effects, and records a flow.Result through the execution context.
package executor

import (
	"encoding/json"
	"strconv"
)

// The node data blob is decoded JSON, so numbers may arrive as float64,
// json.Number, int, or string depending on the producer. These helpers
// normalize the fields executors document without assuming closed-world
// typing.

func getString(data map[string]interface{}, key, fallback string) string {
	if data == nil {
		return fallback
	}
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(data map[string]interface{}, key string, fallback int) int {
	if data == nil {
		return fallback
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(data map[string]interface{}, key string, fallback float64) float64 {
	if data == nil {
		return fallback
	}
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(data map[string]interface{}, key string, fallback bool) bool {
	if data == nil {
		return fallback
	}
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getMap(data map[string]interface{}, key string) map[string]interface{} {
	if data == nil {
		return nil
	}
	if v, ok := data[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func getSlice(data map[string]interface{}, key string) []interface{} {
	if data == nil {
		return nil
	}
	if v, ok := data[key].([]interface{}); ok {
		return v
	}
	return nil
}

// getStringSlice accepts either a JSON array of strings or a single string.
func getStringSlice(data map[string]interface{}, key string) []string {
	if data == nil {
		return nil
	}
	switch v := data[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// getStringMap flattens a JSON object into string values, stringifying
// non-string scalars.
func getStringMap(data map[string]interface{}, key string) map[string]string {
	raw := getMap(data, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch value := v.(type) {
		case string:
			out[k] = value
		case float64:
			out[k] = strconv.FormatFloat(value, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(value)
		}
	}
	return out
}
