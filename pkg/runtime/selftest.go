package runtime

import (
	"errors"
	"fmt"
	"time"
)

// TestResult is the outcome of one test_* method.
type TestResult struct {
	Test       string  `json:"test"`
	Status     string  `json:"status"` // pass, fail, error, skip
	ExecTimeMs float64 `json:"exec_time_ms"`
	Error      string  `json:"error,omitempty"`
	ErrorType  string  `json:"error_type,omitempty"`
}

// TestReport aggregates one self-test run.
type TestReport struct {
	Status    string       `json:"status"` // pass iff nothing failed or errored
	TestCount int          `json:"test_count"`
	Passed    int          `json:"passed"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Results   []TestResult `json:"results"`
	Message   string       `json:"message,omitempty"`
}

// RunTests executes the object's declared test_* methods in name
// order. A nil return passes, ErrSkip skips, any other error fails,
// and a panic counts as an error with the panic value as error_type
// context.
func (rt *Runtime) RunTests(objectID string) (*TestReport, error) {
	obj, err := rt.Load(objectID, false)
	if err != nil {
		return nil, err
	}

	report := &TestReport{Status: "pass", Results: []TestResult{}}
	names := obj.Def.TestNames()
	if len(names) == 0 {
		report.Status = "ok"
		report.Message = "No tests found (no test_* methods)"
		return report, nil
	}

	for _, name := range names {
		report.Results = append(report.Results, rt.runTest(obj, name))
	}

	report.TestCount = len(report.Results)
	for _, r := range report.Results {
		switch r.Status {
		case "pass":
			report.Passed++
		case "skip":
			report.Skipped++
		default:
			report.Failed++
			report.Status = "fail"
		}
	}
	return report, nil
}

func (rt *Runtime) runTest(obj *Object, name string) (result TestResult) {
	result = TestResult{Test: name}
	start := time.Now()

	defer func() {
		result.ExecTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
		if r := recover(); r != nil {
			result.Status = "error"
			result.Error = fmt.Sprintf("%v", r)
			result.ErrorType = "panic"
		}
	}()

	_, err := obj.Def.Tests[name](obj.Ctx, Request{})
	switch {
	case err == nil:
		result.Status = "pass"
	case errors.Is(err, ErrSkip):
		result.Status = "skip"
		result.Error = err.Error()
	default:
		result.Status = "fail"
		result.Error = err.Error()
		result.ErrorType = "assertion"
	}
	return result
}
