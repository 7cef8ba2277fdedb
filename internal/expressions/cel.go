package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/calflow/pkg/schema"
)

// celRoots are the variables a CEL logic expression can see:
// steps (node outputs by id), trigger (the payload) and run (id, workflowId).
var celRoots = []string{"steps", "trigger", "run"}

// CELEngine evaluates logic nodes that opt in with `language: cel`.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celRoots))
	for _, root := range celRoots {
		opts = append(opts, cel.Variable(root, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program](defaultCacheSize)}, nil
}

func (e *CELEngine) Name() string { return LanguageCEL }

// Check compiles and type-checks expression against the CEL roots.
func (e *CELEngine) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(celActivation(data))
	if err != nil {
		return nil, expressionError(LanguageCEL, "evaluation", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}
	return e.programs.get(expression, func(src string) (cel.Program, error) {
		ast, issues := e.env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, expressionError(LanguageCEL, "compile", src, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, expressionError(LanguageCEL, "program", src, err)
		}
		return prg, nil
	})
}

// celActivation fills absent roots with empty maps; CEL fails on a declared
// variable that has no binding.
func celActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celRoots))
	for _, root := range celRoots {
		if v, ok := data[root]; ok && v != nil {
			activation[root] = v
		} else {
			activation[root] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
