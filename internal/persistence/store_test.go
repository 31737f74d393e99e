package persistence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"overmind-engine/pkg/types"
)

func testResult(intentID uuid.UUID, status types.ExecutionStatus) types.ExecutionResult {
	return types.ExecutionResult{
		IntentID:    intentID,
		ExternalID:  "ext-" + intentID.String()[:8],
		Status:      status,
		FilledSize:  decimal.NewFromInt(10),
		FilledPrice: decimal.NewFromFloat(1.5),
		Fees:        decimal.NewFromFloat(0.01),
		Timestamp:   time.Now(),
	}
}

func TestAppendAndByIntentID_RoundTripsInFIFOOrder(t *testing.T) {
	t.Parallel()

	store, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	id := uuid.New()
	first := testResult(id, types.ExecConfirmed)
	second := testResult(id, types.ExecFailed)
	second.Error = "bundle submission failed"

	if err := store.Append(first); err != nil {
		t.Fatalf("Append first: %v", err)
	}
	if err := store.Append(second); err != nil {
		t.Fatalf("Append second: %v", err)
	}

	got, err := store.ByIntentID(id)
	if err != nil {
		t.Fatalf("ByIntentID: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Status != types.ExecConfirmed || got[1].Status != types.ExecFailed {
		t.Errorf("order = %v, %v; want Confirmed then Failed", got[0].Status, got[1].Status)
	}
	if got[1].Error != "bundle submission failed" {
		t.Errorf("Error = %q, want preserved failure reason", got[1].Error)
	}
	if !got[0].FilledSize.Equal(decimal.NewFromInt(10)) {
		t.Errorf("FilledSize = %v, want 10", got[0].FilledSize)
	}
}

func TestRecent_ReturnsOldestFirstWithinWindow(t *testing.T) {
	t.Parallel()

	store, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		if err := store.Append(testResult(ids[i], types.ExecConfirmed)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].IntentID != ids[1] || got[1].IntentID != ids[2] {
		t.Errorf("Recent order wrong: got %v, %v; want %v, %v", got[0].IntentID, got[1].IntentID, ids[1], ids[2])
	}
}
