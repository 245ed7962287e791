// Package creators has the creators the ledger keeps balances for. Creators
// are owned by the identity service, the ledger only needs to know they
// exist.
package creators

import (
	"errors"
	"strings"
	"time"
)

// ErrEmailRequired is returned when registering a creator without an email
var ErrEmailRequired = errors.New("creator email is required")

// Creator is a seller or service provider on the marketplace
type Creator struct {
	ID          int       `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	DisplayName string    `db:"display_name" json:"displayName"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Normalize trims the creator's fields and lower cases the email
func (c Creator) Normalize() Creator {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	return c
}

// Validate checks that the creator can be registered
func (c Creator) Validate() error {
	if c.Email == "" {
		return ErrEmailRequired
	}
	return nil
}
