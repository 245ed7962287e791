// Package withdrawals contains withdrawal requests and the state machine
// that governs them.
package withdrawals

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
)

// Status is the status of a withdrawal request
type Status string

const (
	REQUESTED Status = "REQUESTED"
	APPROVED  Status = "APPROVED"
	REJECTED  Status = "REJECTED"
	PROCESSED Status = "PROCESSED"
)

// Statuses lists all withdrawal statuses
var Statuses = []Status{REQUESTED, APPROVED, REJECTED, PROCESSED}

// transitions maps a status to the statuses it can move to. Statuses not
// present are terminal.
var transitions = map[Status][]Status{
	REQUESTED: {APPROVED, REJECTED},
	APPROVED:  {PROCESSED, REJECTED},
}

func (s Status) MarshalText() (text []byte, err error) {
	return []byte(strings.ToLower(string(s))), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

var _ encoding.TextMarshaler = REQUESTED
var _ encoding.TextUnmarshaler = new(Status)

// ParseStatus parses a status, case insensitively
func ParseStatus(s string) (Status, error) {
	upper := Status(strings.ToUpper(s))
	for _, known := range Statuses {
		if upper == known {
			return upper, nil
		}
	}
	return "", fmt.Errorf("unknown withdrawal status %q", s)
}

// IsTerminal is true for statuses a request can never leave
func (s Status) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// IsOpen is true for statuses that count towards the one open request per
// creator limit
func (s Status) IsOpen() bool {
	return !s.IsTerminal()
}

// CanTransitionTo checks whether a request in status s can move to next
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesOf returns the statuses a request can move to the given status from
func SourcesOf(target Status) []Status {
	var sources []Status
	for _, from := range Statuses {
		if from.CanTransitionTo(target) {
			sources = append(sources, from)
		}
	}
	return sources
}

// OpenStatuses lists the statuses that are not terminal
func OpenStatuses() []Status {
	var open []Status
	for _, s := range Statuses {
		if s.IsOpen() {
			open = append(open, s)
		}
	}
	return open
}

// PayoutMethod is how the creator wants to receive the money
type PayoutMethod string

const (
	BANK_TRANSFER PayoutMethod = "BANK_TRANSFER"
	PAYPAL        PayoutMethod = "PAYPAL"
	MOBILE_MONEY  PayoutMethod = "MOBILE_MONEY"
)

// PayoutMethods lists all supported payout methods
var PayoutMethods = []PayoutMethod{BANK_TRANSFER, PAYPAL, MOBILE_MONEY}

// ParsePayoutMethod parses a payout method, case insensitively
func ParsePayoutMethod(s string) (PayoutMethod, error) {
	upper := PayoutMethod(strings.ToUpper(s))
	for _, known := range PayoutMethods {
		if upper == known {
			return upper, nil
		}
	}
	return "", fmt.Errorf("unknown payout method %q", s)
}

func (p PayoutMethod) MarshalText() (text []byte, err error) {
	return []byte(strings.ToLower(string(p))), nil
}

func (p *PayoutMethod) UnmarshalText(text []byte) error {
	parsed, err := ParsePayoutMethod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Request is a creator's request to withdraw money
type Request struct {
	ID                  string       `db:"id" json:"id"`
	CreatorID           int          `db:"creator_id" json:"creatorId"`
	Amount              int64        `db:"amount" json:"amount"`
	Status              Status       `db:"status" json:"status"`
	PayoutMethod        PayoutMethod `db:"payout_method" json:"payoutMethod"`
	Note                string       `db:"note" json:"note"`
	AdminNote           *string      `db:"admin_note" json:"adminNote,omitempty"`
	ExternalTransferRef *string      `db:"external_transfer_ref" json:"externalTransferRef,omitempty"`
	CreatedAt           time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time    `db:"updated_at" json:"updatedAt"`
}

// Equal checks whether the requests are equal, disregarding timestamps. If
// they differ, a diff is returned as well.
func (r Request) Equal(other Request) (bool, string) {
	r.CreatedAt = other.CreatedAt
	r.UpdatedAt = other.UpdatedAt

	if !reflect.DeepEqual(r, other) {
		return false, cmp.Diff(r, other)
	}
	return true, ""
}

func (r Request) String() string {
	return fmt.Sprintf("Withdrawal{ID: %s, CreatorID: %d, Amount: %d, Status: %s}",
		r.ID, r.CreatorID, r.Amount, r.Status)
}

// Transition is the change applied to a request when it changes status
type Transition struct {
	To Status
	// AdminNote replaces the admin note, if set
	AdminNote *string
	// ExternalTransferRef is set when the payout is confirmed
	ExternalTransferRef *string
	At                  time.Time
}

// Filter narrows down a listing of requests. Zero values match everything.
type Filter struct {
	Status      *Status
	CreatorID   *int
	CreatedFrom *time.Time
	// CreatedTo is exclusive
	CreatedTo *time.Time
}

// Matches checks whether the request passes the filter
func (f Filter) Matches(r Request) bool {
	switch {
	case f.Status != nil && r.Status != *f.Status:
		return false
	case f.CreatorID != nil && r.CreatorID != *f.CreatorID:
		return false
	case f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom):
		return false
	case f.CreatedTo != nil && !r.CreatedAt.Before(*f.CreatedTo):
		return false
	}
	return true
}

// Page is a limit/offset window into a listing
type Page struct {
	Limit  int `form:"limit" json:"limit"`
	Offset int `form:"offset" json:"offset"`
}

const (
	// DefaultPageLimit is used when no limit is given
	DefaultPageLimit = 50
	// MaxPageLimit is the biggest page we hand out
	MaxPageLimit = 500
)

// Normalize applies the default limit, and caps it at the maximum
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
