package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gamerboy74/agrisync/errs"
)

// Order is a tracked escrow contract between a farmer and a buyer. The
// status held here is the cached mirror of the on-chain value; it is a
// display optimisation, never the source of truth for business decisions.
type Order struct {
	ID            string          `json:"id"`
	ContractID    string          `json:"contractId"`
	FarmerID      *string         `json:"farmerId,omitempty"`
	BuyerID       *string         `json:"buyerId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	DeliveryStart time.Time       `json:"deliveryStart"`
	DeliveryEnd   time.Time       `json:"deliveryEnd"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ReconciledAt  time.Time       `json:"reconciledAt"`
}

// HasParty reports whether viewerID owns either side of the order.
func (o Order) HasParty(viewerID string) bool {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return false
	}
	if o.FarmerID != nil && *o.FarmerID == viewerID {
		return true
	}
	if o.BuyerID != nil && *o.BuyerID == viewerID {
		return true
	}
	return false
}

// Validate checks the invariants an order must satisfy before persisting.
// Both party references may be nil during negotiation but are required once
// the escrow is funded.
func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if strings.TrimSpace(o.ContractID) == "" {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("contract id required"), errs.WithOrderID(o.ID))
	}
	if !o.Status.Valid() {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("invalid status "+string(o.Status)), errs.WithOrderID(o.ID))
	}
	funded, _ := StatusFunded.Rank()
	if rank, ok := o.Status.Rank(); (ok && rank >= funded) || o.Status == StatusDisputed || o.Status == StatusResolved {
		if o.FarmerID == nil || strings.TrimSpace(*o.FarmerID) == "" {
			return errs.New("schema/order", errs.CodeInvalid,
				errs.WithMessage("farmer reference required once funded"), errs.WithOrderID(o.ID))
		}
		if o.BuyerID == nil || strings.TrimSpace(*o.BuyerID) == "" {
			return errs.New("schema/order", errs.CodeInvalid,
				errs.WithMessage("buyer reference required once funded"), errs.WithOrderID(o.ID))
		}
	}
	if o.Amount.IsNegative() {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("amount must not be negative"), errs.WithOrderID(o.ID))
	}
	return nil
}

// Clone returns an independent copy of the order.
func (o Order) Clone() Order {
	clone := o
	if o.FarmerID != nil {
		farmer := *o.FarmerID
		clone.FarmerID = &farmer
	}
	if o.BuyerID != nil {
		buyer := *o.BuyerID
		clone.BuyerID = &buyer
	}
	return clone
}
