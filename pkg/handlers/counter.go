package handlers

import (
	"fmt"
	"strconv"

	"github.com/cuemby/hutch/pkg/runtime"
)

const counterSource = `// counter: a replicated counter object.
// GET    increments and returns the count.
// POST   resets the count to {"value": N} (default 0).
// DELETE clears the object's state.
GET(ctx, req)    -> count = state.count + 1
POST(ctx, req)   -> count = req.value or 0
DELETE(ctx, req) -> delete state.count
`

func init() {
	runtime.Register(&runtime.Definition{
		ObjectID:    "counter",
		Name:        "counter",
		Version:     "1.0",
		Description: "Replicated counter: GET increments, POST resets, DELETE clears",
		Source:      counterSource,
		Methods: map[string]runtime.Method{
			"GET":    counterGet,
			"POST":   counterReset,
			"DELETE": counterClear,
		},
		Tests: map[string]runtime.Method{
			"test_increment": counterTestIncrement,
			"test_reset":     counterTestReset,
		},
	})
}

func counterGet(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	count := ctx.State.GetInt("count", 0) + 1
	if err := ctx.State.Set("count", strconv.FormatInt(count, 10)); err != nil {
		return nil, err
	}
	ctx.Log.Info(fmt.Sprintf("Counter incremented to %d", count), nil)
	return map[string]interface{}{"count": count}, nil
}

func counterReset(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	value := int64(0)
	if v, ok := req.Float("value"); ok {
		value = int64(v)
	}
	if err := ctx.State.Set("count", strconv.FormatInt(value, 10)); err != nil {
		return nil, err
	}
	ctx.Log.Info(fmt.Sprintf("Counter reset to %d", value), nil)
	return map[string]interface{}{"count": value, "reset": true}, nil
}

func counterClear(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	if err := ctx.State.Delete("count"); err != nil {
		return nil, err
	}
	ctx.Log.Warning("Counter state cleared", nil)
	return map[string]interface{}{"cleared": true}, nil
}

func counterTestIncrement(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	before := ctx.State.GetInt("count", 0)
	resp, err := counterGet(ctx, req)
	if err != nil {
		return nil, err
	}
	if got := resp["count"].(int64); got != before+1 {
		return nil, fmt.Errorf("expected %d, got %d", before+1, got)
	}
	return nil, nil
}

func counterTestReset(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	if _, err := counterReset(ctx, runtime.Request{"value": float64(7)}); err != nil {
		return nil, err
	}
	if got := ctx.State.GetInt("count", -1); got != 7 {
		return nil, fmt.Errorf("expected 7, got %d", got)
	}
	return nil, nil
}
