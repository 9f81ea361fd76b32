package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request status constants
const (
	StatusPending   = "PENDING"
	StatusApproved  = "APPROVED"
	StatusInTransit = "IN_TRANSIT"
	StatusDelivered = "DELIVERED"
	StatusReceived  = "RECEIVED"
	StatusFulfilled = "FULFILLED"
	StatusRejected  = "REJECTED"
)

// transitions lists the legal forward moves of the lifecycle, keyed by pre-state.
var transitions = map[string][]string{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusInTransit},
	StatusInTransit: {StatusDelivered},
	StatusDelivered: {StatusReceived},
	StatusReceived:  {StatusFulfilled},
}

// CanTransition reports whether from -> to is a legal lifecycle move
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PreStatus returns the only status a request may be in before moving to `to`.
func PreStatus(to string) (string, bool) {
	for from, targets := range transitions {
		for _, t := range targets {
			if t == to {
				return from, true
			}
		}
	}
	return "", false
}

// IsTerminal reports whether status can no longer change
func IsTerminal(status string) bool {
	return status == StatusFulfilled || status == StatusRejected
}

// ProcurementRequest is a single item request moving through the fulfillment pipeline.
// Status is the discriminant: each stage's fields are only meaningful once the request
// reached that stage, and a later stage's quantity never has to match an earlier one.
type ProcurementRequest struct {
	ID              uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrgID           *uuid.UUID      `gorm:"type:uuid;index" json:"org_id"`
	WorkContextID   *uuid.UUID      `gorm:"type:uuid;index" json:"work_context_id"`
	ItemRef         string          `gorm:"type:varchar(255);not null" json:"item_ref"`
	ProductID       *uuid.UUID      `gorm:"type:uuid;index" json:"product_id"`
	Product         *Product        `gorm:"foreignKey:ProductID" json:"product,omitempty"`
	Unit            string          `gorm:"type:varchar(20)" json:"unit"`
	RequestedQty    decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"requested_qty"`
	RequestedAmount decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"requested_amount"`
	RequestedBy     uuid.UUID       `gorm:"type:uuid;not null;index" json:"requested_by"`
	Requester       *User           `gorm:"foreignKey:RequestedBy" json:"requester,omitempty"`
	Note            string          `gorm:"type:text" json:"note"`
	Status          string          `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`

	// Dispatcher stage
	ApprovedQty    decimal.NullDecimal `gorm:"type:decimal(18,4)" json:"approved_qty"`
	ApprovedAmount decimal.NullDecimal `gorm:"type:decimal(18,2)" json:"approved_amount"`
	ApprovedBy     *uuid.UUID          `gorm:"type:uuid" json:"approved_by"`
	ApprovedAt     *time.Time          `json:"approved_at"`
	DriverID       *uuid.UUID          `gorm:"type:uuid;index" json:"driver_id"`
	Driver         *User               `gorm:"foreignKey:DriverID" json:"driver,omitempty"`

	RejectionReason string     `gorm:"type:text" json:"rejection_reason"`
	RejectedBy      *uuid.UUID `gorm:"type:uuid" json:"rejected_by"`
	RejectedAt      *time.Time `json:"rejected_at"`

	// Driver stages
	CollectedQty      decimal.NullDecimal `gorm:"type:decimal(18,4)" json:"collected_qty"`
	CollectedNote     string              `gorm:"type:text" json:"collected_note"`
	CollectedPhotoRef string              `gorm:"type:text" json:"collected_photo_ref"`
	CollectedBy       *uuid.UUID          `gorm:"type:uuid" json:"collected_by"`
	CollectedAt       *time.Time          `json:"collected_at"`

	DeliveredQty      decimal.NullDecimal `gorm:"type:decimal(18,4)" json:"delivered_qty"`
	DeliveredNote     string              `gorm:"type:text" json:"delivered_note"`
	DeliveredPhotoRef string              `gorm:"type:text" json:"delivered_photo_ref"`
	DeliveredAt       *time.Time          `json:"delivered_at"`

	// Warehouse stage
	ReceivedQty      decimal.NullDecimal `gorm:"type:decimal(18,4)" json:"received_qty"`
	ReceivedNote     string              `gorm:"type:text" json:"received_note"`
	ReceivedPhotoRef string              `gorm:"type:text" json:"received_photo_ref"`
	ReceivedBy       *uuid.UUID          `gorm:"type:uuid" json:"received_by"`
	ReceivedAt       *time.Time          `json:"received_at"`

	// Pricing stage
	FinalAmount    decimal.NullDecimal `gorm:"type:decimal(18,2)" json:"final_amount"`
	FinalUnitPrice decimal.NullDecimal `gorm:"type:decimal(18,4)" json:"final_unit_price"`
	FinalizedBy    *uuid.UUID          `gorm:"type:uuid" json:"finalized_by"`
	FinalizedAt    *time.Time          `json:"finalized_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShortID is the first block of the id, used in chat messages.
func (r ProcurementRequest) ShortID() string {
	return r.ID.String()[:8]
}

// StageUpdate carries the values one transition writes. Which of them are stored is
// decided by the target status, so a transition can never touch another stage's fields.
type StageUpdate struct {
	ActorID   uuid.UUID
	At        time.Time
	Qty       decimal.Decimal
	Amount    decimal.Decimal
	UnitPrice decimal.Decimal
	Note      string
	PhotoRef  string
	DriverID  *uuid.UUID
}

func nullDec(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func ptr[T any](v T) *T {
	return &v
}

// Columns returns the column set written when moving to status `to`, status excluded.
func (u StageUpdate) Columns(to string) map[string]interface{} {
	switch to {
	case StatusApproved:
		return map[string]interface{}{
			"approved_qty":    nullDec(u.Qty),
			"approved_amount": nullDec(u.Amount),
			"approved_by":     ptr(u.ActorID),
			"approved_at":     ptr(u.At),
			"driver_id":       u.DriverID,
		}
	case StatusRejected:
		return map[string]interface{}{
			"rejection_reason": u.Note,
			"rejected_by":      ptr(u.ActorID),
			"rejected_at":      ptr(u.At),
		}
	case StatusInTransit:
		return map[string]interface{}{
			"collected_qty":       nullDec(u.Qty),
			"collected_note":      u.Note,
			"collected_photo_ref": u.PhotoRef,
			"collected_by":        ptr(u.ActorID),
			"collected_at":        ptr(u.At),
		}
	case StatusDelivered:
		return map[string]interface{}{
			"delivered_qty":       nullDec(u.Qty),
			"delivered_note":      u.Note,
			"delivered_photo_ref": u.PhotoRef,
			"delivered_at":        ptr(u.At),
		}
	case StatusReceived:
		return map[string]interface{}{
			"received_qty":       nullDec(u.Qty),
			"received_note":      u.Note,
			"received_photo_ref": u.PhotoRef,
			"received_by":        ptr(u.ActorID),
			"received_at":        ptr(u.At),
		}
	case StatusFulfilled:
		return map[string]interface{}{
			"final_amount":     nullDec(u.Amount),
			"final_unit_price": nullDec(u.UnitPrice),
			"finalized_by":     ptr(u.ActorID),
			"finalized_at":     ptr(u.At),
		}
	}
	return map[string]interface{}{}
}

// Apply writes the same fields as Columns onto an in-memory record and sets the status.
func (u StageUpdate) Apply(r *ProcurementRequest, to string) {
	switch to {
	case StatusApproved:
		r.ApprovedQty = nullDec(u.Qty)
		r.ApprovedAmount = nullDec(u.Amount)
		r.ApprovedBy = ptr(u.ActorID)
		r.ApprovedAt = ptr(u.At)
		r.DriverID = u.DriverID
	case StatusRejected:
		r.RejectionReason = u.Note
		r.RejectedBy = ptr(u.ActorID)
		r.RejectedAt = ptr(u.At)
	case StatusInTransit:
		r.CollectedQty = nullDec(u.Qty)
		r.CollectedNote = u.Note
		r.CollectedPhotoRef = u.PhotoRef
		r.CollectedBy = ptr(u.ActorID)
		r.CollectedAt = ptr(u.At)
	case StatusDelivered:
		r.DeliveredQty = nullDec(u.Qty)
		r.DeliveredNote = u.Note
		r.DeliveredPhotoRef = u.PhotoRef
		r.DeliveredAt = ptr(u.At)
	case StatusReceived:
		r.ReceivedQty = nullDec(u.Qty)
		r.ReceivedNote = u.Note
		r.ReceivedPhotoRef = u.PhotoRef
		r.ReceivedBy = ptr(u.ActorID)
		r.ReceivedAt = ptr(u.At)
	case StatusFulfilled:
		r.FinalAmount = nullDec(u.Amount)
		r.FinalUnitPrice = nullDec(u.UnitPrice)
		r.FinalizedBy = ptr(u.ActorID)
		r.FinalizedAt = ptr(u.At)
	}
	r.Status = to
	r.UpdatedAt = u.At
}
