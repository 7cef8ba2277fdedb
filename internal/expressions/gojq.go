package expressions

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/itchyny/gojq"

	"github.com/rendis/calflow/pkg/schema"
)

// GoJQEngine evaluates jq paths. API nodes use it to project a response body
// onto the fields declared in responseMapping.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code](defaultCacheSize)}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Check parses and compiles expression without running it.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Evaluate runs a jq expression against a scope-shaped map.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Query runs a jq expression against any JSON-shaped value. A single output is
// returned as-is, several are collected into []any, none yields nil.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, expressionError("jq", "evaluation", expression, err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Project evaluates each mapping path against input and returns field -> value.
// Fields are evaluated in sorted order so the first failing field is stable.
func (e *GoJQEngine) Project(ctx context.Context, mapping map[string]string, input any) (map[string]any, error) {
	fields := make([]string, 0, len(mapping))
	for f := range mapping {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make(map[string]any, len(mapping))
	for _, field := range fields {
		val, err := e.Query(ctx, mapping[field], input)
		if err != nil {
			if fe, ok := schema.AsFlowError(err); ok {
				fe.Details = map[string]any{"field": field, "expression": mapping[field]}
			}
			return nil, err
		}
		out[field] = val
	}
	return out, nil
}

func (e *GoJQEngine) compile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}
	return e.programs.get(expression, func(src string) (*gojq.Code, error) {
		query, err := gojq.Parse(src)
		if err != nil {
			return nil, expressionError("jq", "parse", src, err)
		}
		// No $ENV: workflow authors must not read the server's environment.
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, expressionError("jq", "compile", src, err)
		}
		return code, nil
	})
}

// normalizeForJQ converts Go native values into the types gojq accepts.
// jq numbers are float64; json.Number and typed ints are converted.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
