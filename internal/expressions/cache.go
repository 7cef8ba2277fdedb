package expressions

import (
	"sync"

	"github.com/rendis/calflow/pkg/schema"
)

// defaultCacheSize bounds each engine's compiled-program cache. Expressions
// rendered from templates can differ per run, so the cache must not grow
// with traffic.
const defaultCacheSize = 512

// programCache memoizes compiled expressions, evicting the oldest entry once
// full. Compilation runs outside the lock; two goroutines compiling the same
// new expression both succeed and one result wins.
type programCache[P any] struct {
	mu    sync.Mutex
	max   int
	items map[string]P
	order []string
}

func newProgramCache[P any](max int) *programCache[P] {
	return &programCache[P]{max: max, items: make(map[string]P, max)}
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.Lock()
	prg, ok := c.items[expression]
	c.mu.Unlock()
	if ok {
		return prg, nil
	}

	prg, err := compile(expression)
	if err != nil {
		return prg, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[expression]; !ok {
		if len(c.order) >= c.max {
			delete(c.items, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, expression)
	}
	c.items[expression] = prg
	return prg, nil
}

func (c *programCache[P]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// expressionError wraps an engine failure as an EXPRESSION_ERROR naming the
// expression.
func expressionError(engine, stage, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s error in %q: %s", engine, stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}
