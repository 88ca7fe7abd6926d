package model

import "time"

// User is the minimal account shape the billing service needs: identity,
// email for provider customer lookup, and the provider customer mapping.
type User struct {
	ID         string
	Email      string
	CustomerID *string // provider-side customer id, set on first checkout
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
