package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reservation is a time-bounded hold against a product's stock. It lives
// embedded in the owning product row; a present entry is an active hold,
// commit/release/expiry all remove it.
type Reservation struct {
	ID         uuid.UUID `json:"id"`
	Quantity   int32     `json:"quantity"`
	Owner      string    `json:"owner"`
	ReservedAt time.Time `json:"reserved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (r Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

type Product struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Price       float64   `db:"price" json:"price"`
	Discount    float64   `db:"discount" json:"discount"`
	ImageURL    string    `db:"image_url" json:"image_url"`
	Category    string    `db:"category" json:"category"`

	CountInStock int32 `db:"count_in_stock" json:"count_in_stock"`

	// IsReserved flags a product sold out by checkout traffic.
	// ReservedBySystem records that the order listener, not an admin edit,
	// set the flag, so only listener-driven restocks may clear it.
	IsReserved       bool `db:"is_reserved" json:"is_reserved"`
	ReservedBySystem bool `db:"reserved_by_system" json:"reserved_by_system"`

	Reservations []Reservation `db:"reservations" json:"reservations"`

	// CommittedReservations lists reservation ids whose quantity was folded
	// into CountInStock. A cancellation consults this ledger to decide
	// between restoring stock and doing nothing: a hold the sweep already
	// released was never committed and moved no stock.
	CommittedReservations []uuid.UUID `db:"committed_reservations" json:"committed_reservations"`

	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ReservedQuantity sums the active holds. Invariant: never exceeds CountInStock.
func (p *Product) ReservedQuantity() int32 {
	var total int32
	for _, r := range p.Reservations {
		total += r.Quantity
	}
	return total
}

// AvailableToSell is the stock not spoken for by an active reservation.
func (p *Product) AvailableToSell() int32 {
	return p.CountInStock - p.ReservedQuantity()
}

// Reserve appends a hold after re-checking availability against current
// state. Callers retry the whole batch on a version conflict, so the check
// here is the authoritative one.
func (p *Product) Reserve(res Reservation) error {
	if p.AvailableToSell() < res.Quantity {
		return &InsufficientStockError{
			ProductID: p.ID,
			Name:      p.Name,
			Requested: res.Quantity,
			Available: p.AvailableToSell(),
		}
	}

	p.Reservations = append(p.Reservations, res)
	return nil
}

// ReleaseReservation removes the hold with the given id. Returns false when
// no entry matched; releasing an unknown id is a no-op for callers.
func (p *Product) ReleaseReservation(id uuid.UUID) bool {
	return p.removeReservation(id) != nil
}

// CommitReservation turns the hold into a permanent stock decrement and
// removes the entry, recording the id in the committed ledger. Committing
// an id with no entry returns false so a second commit cannot
// double-decrement.
func (p *Product) CommitReservation(id uuid.UUID) bool {
	res := p.removeReservation(id)
	if res == nil {
		return false
	}

	p.CommittedReservations = append(p.CommittedReservations, id)
	p.CountInStock -= res.Quantity
	if p.CountInStock <= 0 {
		p.CountInStock = 0
		p.IsReserved = true
		p.ReservedBySystem = true
	}

	return true
}

// RestoreStock returns quantity to stock after a cancelled order whose
// reservation was already committed. The reserved-out flag is cleared only
// when the system itself set it; a manually flagged product stays flagged.
func (p *Product) RestoreStock(quantity int32) {
	p.CountInStock += quantity
	if p.IsReserved && p.ReservedBySystem {
		p.IsReserved = false
		p.ReservedBySystem = false
	}
}

// ClearCommitted forgets a committed reservation id, reporting whether it
// was in the ledger. False means the hold never decremented stock here, so
// a cancellation has nothing to restore.
func (p *Product) ClearCommitted(id uuid.UUID) bool {
	for i := range p.CommittedReservations {
		if p.CommittedReservations[i] == id {
			p.CommittedReservations = append(p.CommittedReservations[:i], p.CommittedReservations[i+1:]...)
			return true
		}
	}
	return false
}

// ExpiredReservationIDs lists holds past their expiry at now.
func (p *Product) ExpiredReservationIDs(now time.Time) []uuid.UUID {
	var ids []uuid.UUID
	for _, r := range p.Reservations {
		if r.Expired(now) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func (p *Product) FindReservation(id uuid.UUID) *Reservation {
	for i := range p.Reservations {
		if p.Reservations[i].ID == id {
			return &p.Reservations[i]
		}
	}
	return nil
}

func (p *Product) removeReservation(id uuid.UUID) *Reservation {
	for i := range p.Reservations {
		if p.Reservations[i].ID == id {
			res := p.Reservations[i]
			p.Reservations = append(p.Reservations[:i], p.Reservations[i+1:]...)
			return &res
		}
	}
	return nil
}

type UpdateProductInput struct {
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	Price        *float64 `json:"price" validate:"omitempty,gte=0"`
	Discount     *float64 `json:"discount" validate:"omitempty,gte=0,lt=1"`
	CountInStock *int32   `json:"count_in_stock" validate:"omitempty,gte=0"`
	ImageURL     *string  `json:"image_url"`
	Category     *string  `json:"category"`
	IsReserved   *bool    `json:"is_reserved"`
}

// InsufficientStockError names the offending line so the shopper can adjust
// the cart instead of guessing.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Name      string
	Requested int32
	Available int32
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf(
		"insufficient stock for product %s (%s): requested %d, available %d",
		e.Name, e.ProductID, e.Requested, e.Available,
	)
}
