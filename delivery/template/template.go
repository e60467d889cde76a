// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package template implements the interpolation dialect used for email
// subjects and bodies: {{path}} lookups, {{#if}} and {{#each}} blocks,
// helpers, and date/number formatters, with HTML escaping on by default.
package template

import (
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default template errs class.
var Error = errs.Class("template")

// DefaultMaxTemplateSize bounds template input size.
const DefaultMaxTemplateSize = 1 << 20 // 1 MiB

// Options controls template processing.
type Options struct {
	// AllowUnsafeHTML disables HTML escaping of interpolated values. It
	// must be enabled explicitly.
	AllowUnsafeHTML bool
	// MaxTemplateSize overrides the default 1 MiB template size limit.
	MaxTemplateSize int
}

// scope is a lexical lookup frame. Each {{#each}} iteration pushes a child
// scope carrying the element and its index.
type scope struct {
	value    any
	parent   *scope
	index    int
	hasIndex bool
}

// Process renders the template against the context. Unresolvable paths
// render as empty strings; malformed blocks are errors.
func Process(template string, context map[string]any, opts Options) (string, error) {
	maxSize := opts.MaxTemplateSize
	if maxSize == 0 {
		maxSize = DefaultMaxTemplateSize
	}
	if len(template) > maxSize {
		return "", Error.New("template exceeds maximum size of %d bytes", maxSize)
	}

	root := &scope{value: mapToAny(context)}
	var out strings.Builder
	if err := render(&out, template, root, opts); err != nil {
		return "", err
	}
	return out.String(), nil
}

func mapToAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func render(out *strings.Builder, input string, sc *scope, opts Options) error {
	for {
		start := strings.Index(input, "{{")
		if start < 0 {
			out.WriteString(input)
			return nil
		}
		out.WriteString(input[:start])
		input = input[start:]

		end := strings.Index(input, "}}")
		if end < 0 {
			return Error.New("unterminated expression")
		}
		tag := strings.TrimSpace(input[2:end])
		rest := input[end+2:]

		switch {
		case strings.HasPrefix(tag, "#if "):
			body, remainder, err := blockBody(rest, "if")
			if err != nil {
				return err
			}
			cond := strings.TrimSpace(strings.TrimPrefix(tag, "#if "))
			if truthy(resolve(sc, cond)) {
				if err := render(out, body, sc, opts); err != nil {
					return err
				}
			}
			input = remainder

		case strings.HasPrefix(tag, "#each "):
			body, remainder, err := blockBody(rest, "each")
			if err != nil {
				return err
			}
			path := strings.TrimSpace(strings.TrimPrefix(tag, "#each "))
			items := toSlice(resolve(sc, path))
			for i, item := range items {
				child := &scope{value: item, parent: sc, index: i, hasIndex: true}
				if err := render(out, body, child, opts); err != nil {
					return err
				}
			}
			input = remainder

		case strings.HasPrefix(tag, "/"):
			return Error.New("unexpected closing tag {{%s}}", tag)

		default:
			out.WriteString(evaluate(tag, sc, opts))
			input = rest
		}
	}
}

// blockBody splits input into the body of the current block and the text
// after the matching closing tag, honoring nesting of the same block kind.
func blockBody(input, kind string) (body, remainder string, err error) {
	open := "{{#" + kind
	closing := "{{/" + kind + "}}"
	depth := 1
	pos := 0
	for {
		nextOpen := strings.Index(input[pos:], open)
		nextClose := strings.Index(input[pos:], closing)
		if nextClose < 0 {
			return "", "", Error.New("missing {{/%s}}", kind)
		}
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			pos += nextOpen + len(open)
			continue
		}
		depth--
		if depth == 0 {
			return input[:pos+nextClose], input[pos+nextClose+len(closing):], nil
		}
		pos += nextClose + len(closing)
	}
}

// evaluate renders a non-block expression: a plain path or a helper call.
func evaluate(tag string, sc *scope, opts Options) string {
	fields := splitFields(tag)
	if len(fields) == 0 {
		return ""
	}

	var value any
	var text string
	switch fields[0] {
	case "json":
		value = resolvePathArg(sc, fields, 1)
		data, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		text = string(data)
	case "upper":
		text = strings.ToUpper(stringify(resolvePathArg(sc, fields, 1)))
	case "lower":
		text = strings.ToLower(stringify(resolvePathArg(sc, fields, 1)))
	case "capitalize":
		s := stringify(resolvePathArg(sc, fields, 1))
		if s != "" {
			text = strings.ToUpper(s[:1]) + s[1:]
		}
	case "date":
		text = formatDate(resolvePathArg(sc, fields, 1), quotedArg(fields, 2))
	case "number":
		text = formatNumber(resolvePathArg(sc, fields, 1), quotedArg(fields, 2))
	default:
		text = stringify(resolve(sc, fields[0]))
	}

	if !opts.AllowUnsafeHTML {
		text = html.EscapeString(text)
	}
	return text
}

func resolvePathArg(sc *scope, fields []string, idx int) any {
	if idx >= len(fields) {
		return nil
	}
	return resolve(sc, fields[idx])
}

func quotedArg(fields []string, idx int) string {
	if idx >= len(fields) {
		return ""
	}
	return strings.Trim(fields[idx], `"`)
}

// splitFields splits a tag on spaces while keeping quoted strings intact.
func splitFields(tag string) []string {
	var fields []string
	var current strings.Builder
	inQuote := false
	for _, r := range tag {
		switch {
		case r == '"':
			inQuote = !inQuote
			current.WriteRune(r)
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

// resolve walks a dotted path from the scope chain. "this" refers to the
// current {{#each}} element and "@index" to its position.
func resolve(sc *scope, path string) any {
	switch path {
	case "this":
		return sc.value
	case "@index":
		if sc.hasIndex {
			return sc.index
		}
		return nil
	}

	if strings.HasPrefix(path, "this.") {
		return walk(sc.value, strings.Split(path[len("this."):], "."))
	}

	for frame := sc; frame != nil; frame = frame.parent {
		if value := walk(frame.value, strings.Split(path, ".")); value != nil {
			return value
		}
	}
	return nil
}

func walk(value any, parts []string) any {
	for _, part := range parts {
		switch typed := value.(type) {
		case map[string]any:
			value = typed[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(typed) {
				return nil
			}
			value = typed[idx]
		default:
			return nil
		}
		if value == nil {
			return nil
		}
	}
	return value
}

func toSlice(value any) []any {
	switch typed := value.(type) {
	case []any:
		return typed
	case []string:
		out := make([]any, len(typed))
		for i, s := range typed {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(typed))
		for i, m := range typed {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != ""
	case float64:
		return typed != 0
	case int:
		return typed != 0
	case int64:
		return typed != 0
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}

func stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

// formatDate renders a timestamp using the YYYY/MM/DD/HH/mm/ss token format.
func formatDate(value any, format string) string {
	var t time.Time
	switch typed := value.(type) {
	case time.Time:
		t = typed
	case string:
		parsed, err := time.Parse(time.RFC3339, typed)
		if err != nil {
			return typed
		}
		t = parsed
	case float64:
		t = time.UnixMilli(int64(typed)).UTC()
	default:
		return ""
	}

	if format == "" {
		format = "YYYY-MM-DD HH:mm:ss"
	}
	layout := strings.NewReplacer(
		"YYYY", "2006",
		"MM", "01",
		"DD", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	).Replace(format)
	return t.Format(layout)
}

func formatNumber(value any, style string) string {
	var n float64
	switch typed := value.(type) {
	case float64:
		n = typed
	case int:
		n = float64(typed)
	case int64:
		n = float64(typed)
	case string:
		parsed, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return typed
		}
		n = parsed
	default:
		return ""
	}

	switch style {
	case "currency":
		return "$" + strconv.FormatFloat(n, 'f', 2, 64)
	case "percent":
		return strconv.FormatFloat(n*100, 'f', 1, 64) + "%"
	case "decimal", "":
		return strconv.FormatFloat(n, 'f', 2, 64)
	default:
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
}
