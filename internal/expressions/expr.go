package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/calflow/pkg/schema"
)

// ExprEngine is the default language of logic nodes:
// `check.score > 3 ? "high" : "low"`. Every scope root is a top-level
// variable; unknown names evaluate to nil instead of failing compilation.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program](defaultCacheSize)}
}

func (e *ExprEngine) Name() string { return LanguageExpr }

// Check compiles expression without running it.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, expressionError(LanguageExpr, "evaluation", expression, err)
	}
	return out, nil
}

// compile builds programs without a typed environment: scope shapes differ
// between runs, so a program typed against one run's data would reject the
// next.
func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}
	return e.programs.get(expression, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, expressionError(LanguageExpr, "compile", src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)
