// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package template_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-sub005/delivery/template"
)

func process(t *testing.T, tpl string, context map[string]any) string {
	t.Helper()
	out, err := template.Process(tpl, context, template.Options{})
	require.NoError(t, err)
	return out
}

func TestProcessInterpolation(t *testing.T) {
	context := map[string]any{
		"deliveryId": "d1",
		"report": map[string]any{
			"name":  "GDPR Export",
			"stats": map[string]any{"rows": float64(42)},
		},
	}

	require.Equal(t, "delivery d1", process(t, "delivery {{deliveryId}}", context))
	require.Equal(t, "GDPR Export", process(t, "{{report.name}}", context))
	require.Equal(t, "42 rows", process(t, "{{report.stats.rows}} rows", context))
	require.Equal(t, "missing: ", process(t, "missing: {{report.nope}}", context))
}

func TestProcessConditional(t *testing.T) {
	context := map[string]any{"urgent": true, "note": ""}

	require.Equal(t, "URGENT", process(t, "{{#if urgent}}URGENT{{/if}}", context))
	require.Equal(t, "", process(t, "{{#if note}}has note{{/if}}", context))
	require.Equal(t, "", process(t, "{{#if missing}}x{{/if}}", context))

	_, err := template.Process("{{#if urgent}}open", nil, template.Options{})
	require.Error(t, err)
}

func TestProcessEach(t *testing.T) {
	context := map[string]any{
		"items": []any{"alpha", "beta"},
		"rows": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		},
	}

	require.Equal(t, "0:alpha,1:beta,",
		process(t, "{{#each items}}{{@index}}:{{this}},{{/each}}", context))
	require.Equal(t, "a b ",
		process(t, "{{#each rows}}{{this.id}} {{/each}}", context))
}

func TestProcessNestedEach(t *testing.T) {
	context := map[string]any{
		"groups": []any{
			map[string]any{"members": []any{"x", "y"}},
			map[string]any{"members": []any{"z"}},
		},
	}
	out := process(t, "{{#each groups}}[{{#each this.members}}{{this}}{{/each}}]{{/each}}", context)
	require.Equal(t, "[xy][z]", out)
}

func TestProcessHelpers(t *testing.T) {
	context := map[string]any{
		"name":  "report",
		"when":  "2026-08-26T10:30:00Z",
		"ratio": 0.875,
		"price": 12.5,
	}

	require.Equal(t, "REPORT", process(t, "{{upper name}}", context))
	require.Equal(t, "Report", process(t, "{{capitalize name}}", context))
	require.Equal(t, "2026-08-26 10:30:00", process(t, `{{date when "YYYY-MM-DD HH:mm:ss"}}`, context))
	require.Equal(t, "87.5%", process(t, `{{number ratio "percent"}}`, context))
	require.Equal(t, "$12.50", process(t, `{{number price "currency"}}`, context))
}

func TestProcessEscapesHTMLByDefault(t *testing.T) {
	context := map[string]any{"body": `<script>alert("x")</script>`}

	escaped := process(t, "{{body}}", context)
	require.NotContains(t, escaped, "<script>")
	require.Contains(t, escaped, "&lt;script&gt;")

	unsafe, err := template.Process("{{body}}", context, template.Options{AllowUnsafeHTML: true})
	require.NoError(t, err)
	require.Contains(t, unsafe, "<script>")
}

func TestProcessRefusesOversizeTemplate(t *testing.T) {
	big := strings.Repeat("a", template.DefaultMaxTemplateSize+1)
	_, err := template.Process(big, nil, template.Options{})
	require.Error(t, err)

	_, err = template.Process("abc", nil, template.Options{MaxTemplateSize: 2})
	require.Error(t, err)
}

func TestValidateRecipients(t *testing.T) {
	result := template.ValidateRecipients([]string{"a@example.com", "b@example.com"}, 50)
	require.True(t, result.Valid)
	require.Empty(t, result.Errors)

	result = template.ValidateRecipients(nil, 50)
	require.False(t, result.Valid)

	result = template.ValidateRecipients([]string{"not-an-email"}, 50)
	require.False(t, result.Valid)

	result = template.ValidateRecipients([]string{"a@example.com", "a@example.com"}, 50)
	require.True(t, result.Valid)
	require.NotEmpty(t, result.Warnings)

	many := make([]string, 51)
	for i := range many {
		many[i] = "user@example.com"
	}
	result = template.ValidateRecipients(many, 50)
	require.False(t, result.Valid)
}
