package api

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/calflow/pkg/schema"
)

// queryInt extracts an integer query param with a default value.
func queryInt(c echo.Context, key string, def int) int {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryDuration parses a Go duration query param such as "48h".
func queryDuration(c echo.Context, key string, def time.Duration) (time.Duration, error) {
	v := c.QueryParam(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid %s %q: expected a duration like 48h", key, v)
	}
	return d, nil
}

// bindBody decodes the request body only. echo's Bind would also copy path
// params into map targets.
func bindBody(c echo.Context, v any) error {
	return new(echo.DefaultBinder).BindBody(c, v)
}
