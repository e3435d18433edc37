package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func strPtr(s string) *string { return &s }

func validOrder() Order {
	return Order{
		ID:            "ord-1",
		ContractID:    "17",
		FarmerID:      strPtr("farmer-1"),
		BuyerID:       strPtr("buyer-1"),
		Amount:        decimal.NewFromInt(1500),
		DeliveryStart: time.Now(),
		DeliveryEnd:   time.Now().Add(72 * time.Hour),
		Status:        StatusFunded,
		CreatedAt:     time.Now(),
	}
}

func TestOrderValidate(t *testing.T) {
	if err := validOrder().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missingID := validOrder()
	missingID.ID = " "
	if err := missingID.Validate(); err == nil {
		t.Error("expected error for missing id")
	}

	negotiating := validOrder()
	negotiating.Status = StatusPending
	negotiating.FarmerID = nil
	negotiating.BuyerID = nil
	if err := negotiating.Validate(); err != nil {
		t.Errorf("parties may be nil while pending: %v", err)
	}

	fundedNoBuyer := validOrder()
	fundedNoBuyer.BuyerID = nil
	if err := fundedNoBuyer.Validate(); err == nil {
		t.Error("expected error for funded order without buyer")
	}

	negative := validOrder()
	negative.Amount = decimal.NewFromInt(-5)
	if err := negative.Validate(); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestOrderHasParty(t *testing.T) {
	order := validOrder()
	if !order.HasParty("farmer-1") || !order.HasParty("buyer-1") {
		t.Error("expected both parties to match")
	}
	if order.HasParty("stranger") || order.HasParty("") {
		t.Error("expected non-parties to be rejected")
	}
}

func TestOrderClone(t *testing.T) {
	order := validOrder()
	clone := order.Clone()
	*clone.FarmerID = "mutated"
	if *order.FarmerID == "mutated" {
		t.Error("clone must not share party pointers")
	}
}

func TestChangeEventKey(t *testing.T) {
	evt := ChangeEvent{OrderID: "ord-1", OldStatus: StatusPending, NewStatus: StatusFunded}
	dup := ChangeEvent{EventID: "different", OrderID: "ord-1", OldStatus: StatusPending, NewStatus: StatusFunded}
	if evt.Key() != dup.Key() {
		t.Error("duplicates of the same logical change must share a key")
	}
	other := ChangeEvent{OrderID: "ord-1", NewStatus: StatusInProgress}
	if evt.Key() == other.Key() {
		t.Error("distinct transitions must have distinct keys")
	}
}
