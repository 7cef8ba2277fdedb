package expressions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/calflow/pkg/schema"
)

// Resolver substitutes {{nodeId.path}} references inside node configs.
//
//	template  := { text | reference }
//	reference := "{{" path [ "|" literal ] "}}"
//	path      := ident { "." segment }
//	segment   := ident | digits
//	literal   := json-string | json-number | true | false | null
//
// A string consisting of exactly one reference is replaced by the typed value.
// References embedded in longer text are replaced by their inline text form.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Reference is one parsed {{...}} token.
type Reference struct {
	Raw         string
	Root        string
	Path        []string
	Fallback    any
	HasFallback bool
}

// Resolve walks every string value of a JSON document and substitutes references.
func (r *Resolver) Resolve(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !HasReferences(raw) {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "config is not valid JSON: %s", err.Error()).WithCause(err)
	}

	resolved, err := r.walk(doc, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "cannot encode resolved config: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

func (r *Resolver) walk(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.walk(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.walk(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves a single template string.
func (r *Resolver) ResolveString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	if trimmed, ok := wholeReference(s); ok {
		ref, err := ParseReference(trimmed[2 : len(trimmed)-2])
		if err != nil {
			return nil, err
		}
		return r.lookup(ref, scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unclosed {{ in %q", s)
		}
		end += start

		ref, err := ParseReference(s[start:end])
		if err != nil {
			return nil, err
		}
		val, err := r.lookup(ref, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(marshalInline(val))
		i = end + 2
	}
	return b.String(), nil
}

// ParseReference parses the inside of a {{...}} token.
func ParseReference(inner string) (*Reference, error) {
	ref := &Reference{Raw: "{{" + inner + "}}"}

	pathPart := inner
	if bar := strings.Index(inner, "|"); bar != -1 {
		pathPart = inner[:bar]
		lit := strings.TrimSpace(inner[bar+1:])
		var fallback any
		if err := json.Unmarshal([]byte(lit), &fallback); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid fallback literal %q in %s", lit, ref.Raw).WithCause(err)
		}
		ref.Fallback = fallback
		ref.HasFallback = true
	}

	pathPart = strings.TrimSpace(pathPart)
	if pathPart == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "empty reference %s", ref.Raw)
	}
	if strings.Contains(pathPart, "{{") {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "nested reference not allowed in %s", ref.Raw)
	}

	segments := strings.Split(pathPart, ".")
	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"empty segment at position %d in %s", i, ref.Raw)
		}
		if i == 0 && !isNodeIdent(seg) {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid node id %q in %s", seg, ref.Raw)
		}
	}
	ref.Root = segments[0]
	ref.Path = segments[1:]
	return ref, nil
}

// isNodeIdent accepts letters, digits, '_' and '-', not starting with a digit or '-'.
func isNodeIdent(s string) bool {
	for i, c := range s {
		switch {
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case (c >= '0' && c <= '9') || c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return s != ""
}

// lookup resolves a reference against the scope. Node outputs shadow the
// reserved roots "trigger" and "run".
func (r *Resolver) lookup(ref *Reference, scope *Scope) (any, error) {
	var root any
	found := false
	if scope != nil {
		if out, ok := scope.Steps[ref.Root]; ok {
			root, found = out, true
		} else if ref.Root == "trigger" {
			root, found = scope.Trigger, true
		} else if ref.Root == "run" {
			root, found = scope.Run, true
		}
	}

	if !found {
		if ref.HasFallback {
			return ref.Fallback, nil
		}
		var available []string
		if scope != nil {
			available = mapKeys(scope.Steps)
		}
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
			"unresolved reference %s: node %q has no completed output; available: [%s]",
			ref.Raw, ref.Root, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref.Raw, "available_nodes": available})
	}

	val, err := traversePath(root, ref.Path, ref.Raw)
	if err != nil {
		if ref.HasFallback {
			return ref.Fallback, nil
		}
		return nil, err
	}
	return val, nil
}

// traversePath navigates into nested maps and arrays.
func traversePath(root any, path []string, raw string) (any, error) {
	current := root
	for _, seg := range path {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
					"unresolved reference %s: field %q not found; available: [%s]", raw, seg, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"reference": raw, "available_fields": keys})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
					"unresolved reference %s: index %q out of range (len %d)", raw, seg, len(v)).
					WithDetails(map[string]any{"reference": raw})
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
				"unresolved reference %s: cannot traverse into %T at %q", raw, current, seg).
				WithDetails(map[string]any{"reference": raw})
		}
	}
	return current, nil
}

// marshalInline converts a resolved value into the text embedded in a longer string.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// HasReferences checks if a JSON blob contains any {{...}} tokens.
func HasReferences(raw json.RawMessage) bool {
	return bytes.Contains(raw, []byte("{{"))
}

// wholeReference reports whether s is exactly one {{...}} token, ignoring
// surrounding whitespace. Such strings resolve to typed values.
func wholeReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	ok := strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 && strings.Count(trimmed, "}}") == 1
	return trimmed, ok
}

// MaskReferences nulls every string that is a whole reference so a config can
// be decoded into its typed form before the run scope exists. It returns the
// masked document and the top-level keys that held a masked value.
func MaskReferences(raw json.RawMessage) (json.RawMessage, map[string]bool, error) {
	if len(raw) == 0 || !HasReferences(raw) {
		return raw, nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "config is not valid JSON: %s", err.Error()).WithCause(err)
	}

	masked := make(map[string]bool)
	if obj, ok := doc.(map[string]any); ok {
		for k, v := range obj {
			if mv, changed := maskValue(v); changed {
				obj[k] = mv
				masked[k] = true
			}
		}
	} else {
		doc, _ = maskValue(doc)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "cannot encode config: %s", err.Error()).WithCause(err)
	}
	return out, masked, nil
}

func maskValue(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		if _, ok := wholeReference(val); ok {
			return nil, true
		}
	case map[string]any:
		changed := false
		for k, item := range val {
			if mv, c := maskValue(item); c {
				val[k] = mv
				changed = true
			}
		}
		return val, changed
	case []any:
		changed := false
		for i, item := range val {
			if mv, c := maskValue(item); c {
				val[i] = mv
				changed = true
			}
		}
		return val, changed
	}
	return v, false
}

// ReferencedNodes returns the distinct root ids referenced anywhere in raw.
// Unparseable tokens are ignored.
func ReferencedNodes(raw json.RawMessage) []string {
	s := string(raw)
	seen := make(map[string]bool)
	var out []string
	for {
		idx := strings.Index(s, "{{")
		if idx == -1 {
			break
		}
		rest := s[idx+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			break
		}
		if ref, err := ParseReference(rest[:end]); err == nil && !seen[ref.Root] {
			seen[ref.Root] = true
			out = append(out, ref.Root)
		}
		s = rest[end+2:]
	}
	return out
}
