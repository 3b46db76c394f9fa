package out

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ggonzalez94/inference-cli/internal/config"
	"github.com/ggonzalez94/inference-cli/internal/model"
)

const (
	ModeJSON  = "json"
	ModePlain = "plain"
)

// Render writes env to w honoring output mode, field selection and
// results-only. Selected fields may be gjson paths such as "totals.failed".
func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == ModeJSON {
			return encodeJSON(w, data)
		}
		return renderPlain(w, data)
	}

	if settings.OutputMode == ModeJSON {
		env.Data = data
		return encodeJSON(w, env)
	}

	plain := map[string]any{
		"success": env.Success,
		"data":    data,
		"meta":    env.Meta,
	}
	if len(env.Warnings) > 0 {
		plain["warnings"] = env.Warnings
	}
	if env.Error != nil {
		plain["error"] = env.Error
	}
	return renderPlain(w, plain)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func renderPlain(w io.Writer, data any) error {
	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		for i := 0; i < v.Len(); i++ {
			line, err := toLine(normalizeValue(v.Index(i).Interface()))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	default:
		line, err := toLine(normalizeValue(data))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, line)
		return err
	}
}

func project(data any, fields []string) any {
	buf, err := json.Marshal(data)
	if err != nil {
		return data
	}
	parsed := gjson.ParseBytes(buf)
	switch {
	case parsed.IsArray():
		out := make([]map[string]any, 0)
		parsed.ForEach(func(_, item gjson.Result) bool {
			if item.IsObject() {
				out = append(out, projectResult(item, fields))
			}
			return true
		})
		return out
	case parsed.IsObject():
		return projectResult(parsed, fields)
	default:
		return parsed.Value()
	}
}

func projectResult(item gjson.Result, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v := item.Get(f); v.Exists() {
			out[f] = v.Value()
		}
	}
	return out
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

func toLine(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			val, err := plainValue(t[k])
			if err != nil {
				return "", err
			}
			parts = append(parts, k+"="+val)
		}
		return strings.Join(parts, " "), nil
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
}

// plainValue keeps scalars bare and inlines nested values as compact JSON.
func plainValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return t, nil
	case map[string]any, []any:
		buf, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}
