package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/calflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngines_ForLanguage(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	e, err := engines.ForLanguage("")
	require.NoError(t, err)
	assert.Equal(t, "expr", e.Name())

	e, err = engines.ForLanguage("cel")
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	_, err = engines.ForLanguage("lua")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}

func TestExpr_BranchOnStepOutput(t *testing.T) {
	e := NewExprEngine()
	data := testScope().Data()

	out, err := e.Evaluate(context.Background(), `nodeA.x > 3 ? "high" : "low"`, data)
	require.NoError(t, err)
	assert.Equal(t, "high", out)

	out, err = e.Evaluate(context.Background(), `steps["lookup-user"].id == "u-9"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `trigger.email`, data)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", out)
}

func TestExpr_CompileError(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), `1 +* 2`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))

	_, err = NewExprEngine().Evaluate(context.Background(), ``, nil)
	require.Error(t, err)
}

func TestExpr_ConcurrentCache(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "a * 2", map[string]any{"a": n})
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()
}

func TestCEL_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `steps.nodeA.name == "Ana" && trigger.email != ""`, testScope().Data())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `run.id`, nil)
	require.Error(t, err, "run defaults to an empty map without an id")
	assert.Nil(t, out)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), `inputs.x`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}

func TestGoJQ_Query(t *testing.T) {
	e := NewGoJQEngine()
	input := map[string]any{"data": map[string]any{"items": []any{map[string]any{"id": 1}, map[string]any{"id": 2}}}}

	out, err := e.Query(context.Background(), ".data.items | length", input)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = e.Query(context.Background(), ".data.items[].id", input)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)

	out, err = e.Query(context.Background(), ".missing", input)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Project(t *testing.T) {
	e := NewGoJQEngine()
	body := map[string]any{"user": map[string]any{"id": "u-1", "plan": "pro"}}

	out, err := e.Project(context.Background(), map[string]string{"userId": ".user.id", "plan": ".user.plan"}, body)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"userId": "u-1", "plan": "pro"}, out)

	_, err = e.Project(context.Background(), map[string]string{"bad": ".user | ..."}, body)
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "bad", fe.Details["field"])
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	out, err := NewGoJQEngine().Query(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestBranchValue(t *testing.T) {
	assert.Equal(t, "yes", BranchValue("yes"))
	assert.Equal(t, "true", BranchValue(true))
	assert.Equal(t, "3", BranchValue(float64(3)))
	assert.Equal(t, "2.5", BranchValue(2.5))
	assert.Equal(t, "7", BranchValue(int64(7)))
	assert.Equal(t, "", BranchValue(nil))
}

func TestEngines_Check(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	assert.NoError(t, engines.Expr.Check(`trigger.tier == "vip"`))
	assert.Error(t, engines.Expr.Check(`trigger.tier ==`))
	assert.NoError(t, engines.CEL.Check(`trigger.tier == "vip"`))
	assert.Error(t, engines.CEL.Check(`payload.tier == "vip"`), "payload is not a CEL root")
	assert.NoError(t, engines.JQ.Check(`.items[0].id`))

	err = engines.JQ.Check(`.items[`)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "jq", fe.Details["engine"])
}

func TestProgramCache_EvictsOldest(t *testing.T) {
	c := newProgramCache[string](2)
	compiles := 0
	compile := func(src string) (string, error) {
		compiles++
		return "compiled:" + src, nil
	}

	for _, src := range []string{"a", "b", "a", "c", "a"} {
		out, err := c.get(src, compile)
		require.NoError(t, err)
		assert.Equal(t, "compiled:"+src, out)
	}
	// a, b compiled; a hit; c evicts a; a compiled again and evicts b.
	assert.Equal(t, 4, compiles)
	assert.Equal(t, 2, c.size())
}
