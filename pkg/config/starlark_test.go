package config

import (
	"context"
	"testing"
	"time"
)

func TestStarlarkEvaluate(t *testing.T) {
	eval := NewStarlarkEvaluator(0)
	output, err := eval.Evaluate(context.Background(), `
names = ["subnet-%d" % i for i in range(count)]
total = count * 2
_private = "hidden"
`, map[string]any{"count": 3})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	names, ok := output["names"].([]any)
	if !ok || len(names) != 3 || names[0] != "subnet-0" {
		t.Errorf("names = %v", output["names"])
	}
	if output["total"] != float64(6) {
		t.Errorf("total = %v (%T)", output["total"], output["total"])
	}
	if _, leaked := output["_private"]; leaked {
		t.Error("underscore global exported")
	}
}

func TestStarlarkError(t *testing.T) {
	eval := NewStarlarkEvaluator(0)
	if _, err := eval.Evaluate(context.Background(), `x = undefined_name`, nil); err == nil {
		t.Error("Evaluate with undefined name succeeded")
	}
}

func TestStarlarkTimeout(t *testing.T) {
	eval := NewStarlarkEvaluator(50 * time.Millisecond)
	_, err := eval.Evaluate(context.Background(), `
def burn():
    x = 0
    for i in range(1000000000):
        x += i
    return x

total = burn()
`, nil)
	if err == nil {
		t.Error("runaway script completed")
	}
}
