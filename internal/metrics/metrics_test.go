package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDefault_ReturnsSameRegistryEveryCall(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Fatal("Default() returned distinct registries across calls")
	}
}

func TestRecordExecutionResult_IncrementsMatchingCounter(t *testing.T) {
	r := Default()
	before := testutil.ToFloat64(r.ExecutionSkipped)

	r.RecordExecutionResult("skipped")

	after := testutil.ToFloat64(r.ExecutionSkipped)
	if after != before+1 {
		t.Errorf("ExecutionSkipped = %v, want %v", after, before+1)
	}
}

func TestRecordExecutionResult_IgnoresUnknownStatus(t *testing.T) {
	r := Default()
	beforeConfirmed := testutil.ToFloat64(r.ExecutionConfirmed)
	beforeFailed := testutil.ToFloat64(r.ExecutionFailed)
	beforeSkipped := testutil.ToFloat64(r.ExecutionSkipped)

	r.RecordExecutionResult("pending")

	if testutil.ToFloat64(r.ExecutionConfirmed) != beforeConfirmed {
		t.Error("unexpected increment of ExecutionConfirmed")
	}
	if testutil.ToFloat64(r.ExecutionFailed) != beforeFailed {
		t.Error("unexpected increment of ExecutionFailed")
	}
	if testutil.ToFloat64(r.ExecutionSkipped) != beforeSkipped {
		t.Error("unexpected increment of ExecutionSkipped")
	}
}
