package models

import "time"

type User struct {
	ID          string
	Username    string
	DisplayName string
	Role        string
	Active      bool
	PassHash    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PublicUser is what callers are allowed to see about a user.
type PublicUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Active      bool   `json:"active"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Active:      u.Active,
	}
}
