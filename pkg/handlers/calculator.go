package handlers

import (
	"fmt"
	"strconv"

	"github.com/cuemby/hutch/pkg/runtime"
)

const calculatorSource = `// calculator: stateless arithmetic object.
// GET without op returns usage info; GET/POST with op computes.
// Parameters: op in {add, subtract, multiply, divide}, a, b numeric.
GET(ctx, req)  -> info or compute(req.op, req.a, req.b)
POST(ctx, req) -> compute(req.op, req.a, req.b)
`

var calculatorOps = []string{"add", "subtract", "multiply", "divide"}

func init() {
	runtime.Register(&runtime.Definition{
		ObjectID:    "calculator",
		Name:        "calculator",
		Version:     "1.0",
		Description: "Arithmetic over query or body parameters: add, subtract, multiply, divide",
		Source:      calculatorSource,
		Methods: map[string]runtime.Method{
			"GET":  calculatorGet,
			"POST": calculatorCompute,
		},
		Tests: map[string]runtime.Method{
			"test_addition":         calculatorTestAddition,
			"test_division_by_zero": calculatorTestDivisionByZero,
		},
	})
}

func calculatorGet(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	if req.Str("op") == "" {
		return map[string]interface{}{
			"name":       "calculator",
			"operations": calculatorOps,
			"usage":      "?op=add&a=5&b=3",
		}, nil
	}
	return calculatorCompute(ctx, req)
}

func calculatorCompute(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	op := req.Str("op")
	a, err := numericParam(req, "a")
	if err != nil {
		return nil, err
	}
	b, err := numericParam(req, "b")
	if err != nil {
		return nil, err
	}

	var result float64
	switch op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		result = a / b
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	ctx.Log.Debug(fmt.Sprintf("Computed %s(%v, %v) = %v", op, a, b, result), nil)
	return map[string]interface{}{"op": op, "a": a, "b": b, "result": result}, nil
}

// numericParam reads a parameter that may arrive as a JSON number or
// as a query-string value.
func numericParam(req runtime.Request, name string) (float64, error) {
	v, ok := req[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %q is not a number: %q", name, t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("parameter %q is not a number", name)
	}
}

func calculatorTestAddition(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	resp, err := calculatorCompute(ctx, runtime.Request{"op": "add", "a": float64(5), "b": float64(3)})
	if err != nil {
		return nil, err
	}
	if got := resp["result"].(float64); got != 8 {
		return nil, fmt.Errorf("expected 8, got %v", got)
	}
	return nil, nil
}

func calculatorTestDivisionByZero(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	_, err := calculatorCompute(ctx, runtime.Request{"op": "divide", "a": float64(1), "b": float64(0)})
	if err == nil {
		return nil, fmt.Errorf("expected division by zero error")
	}
	return nil, nil
}
