package db

import (
	"database/sql"
	"time"

	"bitbucket.org/storefront/backend/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type UserStorage interface {
	InsertUser(*models.User) error
	GetUserByID(userID uuid.UUID) (*models.User, error)
}

const (
	insertUser = `
	INSERT INTO
		users (id, email, first_name, last_name, phone_number, is_admin, created_at)
	VALUES
		(:id, :email, :first_name, :last_name, :phone_number, :is_admin, :created_at)
	`

	getUserByID = `
	SELECT
		users.id,
		users.email,
		users.first_name,
		users.last_name,
		users.phone_number,
		users.is_admin,
		users.created_at
	FROM
		users
	WHERE
		users.id = :id
	`
)

func (db *DB) InsertUser(user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	stmt, err := db.PrepareNamed(insertUser)
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"id":           user.ID.String(),
		"email":        user.Email,
		"first_name":   user.FirstName,
		"last_name":    user.LastName,
		"phone_number": user.PhoneNumber,
		"is_admin":     user.IsAdmin,
		"created_at":   user.CreatedAt,
	}

	if _, err := stmt.Exec(args); err != nil {
		return errors.Wrap(err, "failed inserting user")
	}

	return nil
}

func (db *DB) GetUserByID(userID uuid.UUID) (*models.User, error) {
	stmt, err := db.PrepareNamed(getUserByID)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	args := map[string]interface{}{
		"id": userID.String(),
	}

	var user models.User
	if err := stmt.Get(&user, args); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, err
	}

	return &user, nil
}
