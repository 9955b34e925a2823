package domain

import "time"

type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	Active       bool
	Roles        []string
	CreatedAt    time.Time
}

func (a Account) Principal() Principal {
	return Principal{
		Subject:       a.Username,
		AccountID:     a.ID,
		Roles:         append([]string(nil), a.Roles...),
		Authenticated: true,
	}
}
