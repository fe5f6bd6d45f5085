// Package accounts is the user shell around the sync engine: email and
// password registration, JWT sessions, and the FCM device token the
// feed drainer pushes to.
package accounts

import (
	"context"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// User is an account row. The sync engine keys connections, documents
// and metrics by User.ID; everything else here is login plumbing.
type User struct {
	gorm.Model
	Email       string `json:"email" gorm:"uniqueIndex" binding:"required,email"`
	Password    string `json:"password,omitempty" binding:"required,min=8,max=64"`
	FullName    string `json:"full_name"`
	DeviceToken string `json:"device_token,omitempty"`
}

// HashPassword hashes the user's password before it hits the row.
func (u *User) HashPassword() error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(u.Password), 8)
	if err != nil {
		return err
	}
	u.Password = string(hashedPassword)
	return nil
}

// Sanitize clears the fields that must never leave the service.
func (u *User) Sanitize() {
	u.Password = ""
	u.DeviceToken = ""
}

// Migrate creates the users table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{})
}

// UserByID fetches one account row.
func UserByID(ctx context.Context, db *gorm.DB, id int64) (User, error) {
	var u User
	err := db.WithContext(ctx).First(&u, id).Error
	return u, err
}
