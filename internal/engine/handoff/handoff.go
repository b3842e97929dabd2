// Package handoff validates hand-off packages and the phase ordering they imply.
package handoff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"leoline/internal/config"
	"leoline/internal/domain"
)

// Rules holds the content-quality heuristic layered on the presence check.
type Rules struct {
	MinDistinctTokens    int
	PlaceholderTemplates []string
}

func RulesFromConfig(cfg *config.Config) Rules {
	if cfg == nil {
		return Rules{}
	}
	return Rules{
		MinDistinctTokens:    cfg.Handoff.MinDistinctTokens,
		PlaceholderTemplates: cfg.Handoff.PlaceholderTemplates,
	}
}

// Result lists every field that failed, in contract order.
type Result struct {
	Valid             bool     `json:"valid"`
	MissingFields     []string `json:"missing_fields"`
	PlaceholderFields []string `json:"placeholder_fields"`
}

// Invalid returns every failing field once.
func (r Result) Invalid() []string {
	out := append([]string{}, r.MissingFields...)
	return append(out, r.PlaceholderFields...)
}

// Validate checks that all seven fields are present, non-empty and not template text.
func (r Rules) Validate(p domain.HandoffPayload) Result {
	res := Result{MissingFields: []string{}, PlaceholderFields: []string{}}
	templates := make(map[string]struct{}, len(r.PlaceholderTemplates))
	for _, t := range r.PlaceholderTemplates {
		templates[normalize(t)] = struct{}{}
	}
	for _, f := range p.Fields() {
		text, ok := content(f.Value)
		if !ok {
			res.MissingFields = append(res.MissingFields, f.Name)
			continue
		}
		if r.isPlaceholder(text, templates) {
			res.PlaceholderFields = append(res.PlaceholderFields, f.Name)
		}
	}
	res.Valid = len(res.MissingFields) == 0 && len(res.PlaceholderFields) == 0
	return res
}

// ValidateJSON decodes a stored payload; undecodable payloads miss every field.
func (r Rules) ValidateJSON(raw string) Result {
	p, err := Decode(raw)
	if err != nil {
		return r.Validate(domain.HandoffPayload{})
	}
	return r.Validate(p)
}

func Decode(raw string) (domain.HandoffPayload, error) {
	var p domain.HandoffPayload
	if strings.TrimSpace(raw) == "" {
		return p, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("decode hand-off payload: %w", err)
	}
	return p, nil
}

func (r Rules) isPlaceholder(text string, templates map[string]struct{}) bool {
	if _, ok := templates[normalize(text)]; ok {
		return true
	}
	return r.MinDistinctTokens > 0 && distinctTokens(text) < r.MinDistinctTokens
}

// content flattens a field to its textual leaves. ok is false when the field is
// absent, null, blank, an empty collection or not JSON at all.
func content(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	var parts []string
	collect(v, &parts)
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return "", false
	}
	return text, true
}

func collect(v any, parts *[]string) {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			*parts = append(*parts, s)
		}
	case []any:
		for _, item := range t {
			collect(item, parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collect(t[k], parts)
		}
	case float64:
		*parts = append(*parts, fmt.Sprintf("%g", t))
	case bool:
		*parts = append(*parts, fmt.Sprintf("%t", t))
	}
}

func normalize(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, ".!:;-")
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func distinctTokens(s string) int {
	seen := map[string]struct{}{}
	for _, t := range tokens(s) {
		seen[t] = struct{}{}
	}
	return len(seen)
}
