package expressions

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rendis/calflow/pkg/schema"
)

// Engine evaluates an expression against a scope data map.
// Implementations: Expr (logic default), CEL (logic opt-in), GoJQ (response mapping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Languages accepted by logic nodes.
const (
	LanguageExpr = "expr"
	LanguageCEL  = "cel"
)

// Engines bundles the engines shared by all handlers.
type Engines struct {
	Expr *ExprEngine
	CEL  *CELEngine
	JQ   *GoJQEngine
}

// NewEngines builds every engine.
func NewEngines() (*Engines, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		Expr: NewExprEngine(),
		CEL:  cel,
		JQ:   NewGoJQEngine(),
	}, nil
}

// ForLanguage picks the logic engine for a language name. Empty means expr.
func (e *Engines) ForLanguage(lang string) (Engine, error) {
	switch lang {
	case "", LanguageExpr:
		return e.Expr, nil
	case LanguageCEL:
		return e.CEL, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported logic language %q", lang)
}

// BranchValue renders an evaluation result as the branch string matched against edge labels.
func BranchValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	}
	return fmt.Sprintf("%v", v)
}
