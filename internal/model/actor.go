package model

import "time"

// Actor is the authenticated back-office user behind a request.
type Actor struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	StoreID   string    `json:"storeId,omitempty"` // store the session was issued for
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}
