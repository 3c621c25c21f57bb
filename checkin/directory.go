package checkin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arkantrust/ikoot-checkin/backend/models"
	"github.com/arkantrust/ikoot-checkin/backend/store"
)

// Directory resolves emails to users, creating a user on first contact.
type Directory struct {
	users store.UserStore
	now   func() time.Time
	newID func() string
}

// NewDirectory returns a Directory over users.
func NewDirectory(users store.UserStore) *Directory {
	return &Directory{users: users, now: utcNow, newID: uuid.NewString}
}

func utcNow() time.Time { return time.Now().UTC() }

// validateEmail accepts any address with a non-empty local part and domain.
// The email is otherwise kept exactly as received.
func validateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return validationError("user email is required")
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return validationError("user email is malformed")
	}
	return nil
}

// displayName is the part of the email before '@'.
func displayName(email string) string {
	name, _, _ := strings.Cut(email, "@")
	return name
}

// FindOrCreate returns the user for email, creating it if needed. An existing
// user is a pure read; creation is a single insert-if-absent, so racing
// first contacts all observe the same id.
func (d *Directory) FindOrCreate(ctx context.Context, email string) (*models.User, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	u, err := d.users.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storageError(err)
	}

	now := d.now()
	u, _, err = d.users.CreateUserIfAbsent(ctx, &models.User{
		ID:        d.newID(),
		Email:     email,
		Name:      displayName(email),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, storageError(err)
	}
	return u, nil
}

// Get returns the user for email without creating one.
func (d *Directory) Get(ctx context.Context, email string) (*models.User, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	u, err := d.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, Message: "user not found"}
	}
	if err != nil {
		return nil, storageError(err)
	}
	return u, nil
}
