package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type InfoUser struct {
	ID      string
	IsAdmin bool
	Roles   []int
	Email   string
}

func (info *InfoUser) UUID() (uuid.UUID, bool) {
	id, err := uuid.Parse(info.ID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

type User struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	FirstName   string    `json:"first_name" db:"first_name"`
	LastName    string    `json:"last_name" db:"last_name"`
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	IsAdmin     bool      `json:"is_admin" db:"is_admin"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

func (user *User) FullName() string {
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}
