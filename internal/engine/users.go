package engine

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// Authenticate checks an email and password pair and records the login time.
// Unknown addresses, wrong passwords and deactivated accounts all fail with
// the same ErrInvalidCredentials.
func (e *Engine) Authenticate(ctx context.Context, email, password string) (models.User, error) {
	const op = "login"
	if strings.TrimSpace(email) == "" || password == "" {
		return models.User{}, newError(ErrValidation, op, "email and password are required")
	}
	u, err := e.store.GetUserByEmail(ctx, models.NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return models.User{}, newError(ErrInvalidCredentials, op, "invalid email or password")
	}
	if err != nil {
		return models.User{}, err
	}
	if !u.IsActive || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return models.User{}, newError(ErrInvalidCredentials, op, "invalid email or password")
	}

	now := e.now()
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetUser(ctx, u.ID)
		if err != nil {
			return err
		}
		current.LastLoginAt = &now
		return tx.UpdateUser(ctx, current)
	})
	if err != nil {
		// the credentials were good; a stale last_login_at is not worth a failed login
		e.log.Warn("failed to record login", zap.Int64("user_id", u.ID), zap.Error(err))
	} else {
		u.LastLoginAt = &now
	}
	return u, nil
}

func (e *Engine) CreateUser(ctx context.Context, req models.CreateUserRequest) (models.User, error) {
	const op = "create user"
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return models.User{}, newError(ErrValidation, op, "a valid email is required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = addr.Name
	}
	if name == "" {
		return models.User{}, newError(ErrValidation, op, "name is required")
	}
	roles, err := normalizeRoles(op, req.Roles)
	if err != nil {
		return models.User{}, err
	}
	hash, err := e.hashPassword(op, req.Password)
	if err != nil {
		return models.User{}, err
	}

	now := e.now()
	u := models.User{
		Email:        models.NormalizeEmail(addr.Address),
		PasswordHash: hash,
		Name:         name,
		Roles:        roles,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertUser(ctx, &u)
	})
	if err != nil {
		return models.User{}, err
	}
	e.log.Info("user created", zap.Int64("user_id", u.ID), zap.Strings("roles", u.Roles))
	return u, nil
}

func (e *Engine) GetUser(ctx context.Context, id int64) (models.User, error) {
	return e.store.GetUser(ctx, id)
}

func (e *Engine) ListUsers(ctx context.Context) ([]models.User, error) {
	return e.store.ListUsers(ctx)
}

// UpdateUser applies the non-nil fields of req. Demoting or deactivating the
// last active admin fails with ErrConflict.
func (e *Engine) UpdateUser(ctx context.Context, id int64, req models.UpdateUserRequest) (models.User, error) {
	const op = "update user"
	var u models.User
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		u, err = tx.GetUser(ctx, id)
		if err != nil {
			return err
		}
		before := u
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return newError(ErrValidation, op, "name must not be empty")
			}
			u.Name = name
		}
		if req.Roles != nil {
			if u.Roles, err = normalizeRoles(op, req.Roles); err != nil {
				return err
			}
		}
		if req.IsActive != nil {
			u.IsActive = *req.IsActive
		}
		if isActiveAdmin(before) && !isActiveAdmin(u) {
			if err := e.requireOtherAdmin(ctx, tx, op, u.ID); err != nil {
				return err
			}
		}
		u.UpdatedAt = e.now()
		return tx.UpdateUser(ctx, u)
	})
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

// DeleteUser removes an account. Records it performed keep the operator name.
func (e *Engine) DeleteUser(ctx context.Context, id int64) error {
	const op = "delete user"
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}
		if isActiveAdmin(u) {
			if err := e.requireOtherAdmin(ctx, tx, op, u.ID); err != nil {
				return err
			}
		}
		return tx.DeleteUser(ctx, id)
	})
	if err != nil {
		return err
	}
	e.log.Info("user deleted", zap.Int64("user_id", id))
	return nil
}

// ChangePassword replaces a user's password after checking the current one.
func (e *Engine) ChangePassword(ctx context.Context, id int64, current, next string) error {
	const op = "change password"
	hash, err := e.hashPassword(op, next)
	if err != nil {
		return err
	}
	return e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)) != nil {
			return newError(ErrInvalidCredentials, op, "current password is incorrect")
		}
		u.PasswordHash = hash
		u.UpdatedAt = e.now()
		return tx.UpdateUser(ctx, u)
	})
}

// EnsureAdmin creates an admin account unless an active admin already exists.
// It reports whether an account was created.
func (e *Engine) EnsureAdmin(ctx context.Context, email, name, password string) (models.User, bool, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return models.User{}, false, err
	}
	for _, u := range users {
		if isActiveAdmin(u) {
			return u, false, nil
		}
	}
	u, err := e.CreateUser(ctx, models.CreateUserRequest{
		Email:    email,
		Password: password,
		Name:     name,
		Roles:    []string{models.RoleAdmin, models.RoleOperator},
	})
	if err != nil {
		return models.User{}, false, err
	}
	return u, true, nil
}

func (e *Engine) hashPassword(op, password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", newError(ErrValidation, op, "password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), e.passwordCost)
	if err != nil {
		return "", &Error{Kind: ErrValidation, Op: op, Msg: "password cannot be used", Err: err}
	}
	return string(hash), nil
}

func (e *Engine) requireOtherAdmin(ctx context.Context, tx Tx, op string, id int64) error {
	users, err := tx.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, other := range users {
		if other.ID != id && isActiveAdmin(other) {
			return nil
		}
	}
	return newError(ErrConflict, op, "user %d is the last active admin", id)
}

func isActiveAdmin(u models.User) bool {
	return u.IsActive && u.HasRole(models.RoleAdmin)
}

// normalizeRoles validates roles and drops duplicates, keeping the first occurrence.
func normalizeRoles(op string, roles []string) ([]string, error) {
	out := make([]string, 0, len(roles))
	seen := make(map[string]bool, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if !models.IsValidRole(r) {
			return nil, newError(ErrValidation, op, "unknown role %q", r)
		}
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, newError(ErrValidation, op, "at least one role is required")
	}
	return out, nil
}

// checkOperator rejects an operator id that does not name an active user.
// Operators without an id are recorded by name only.
func checkOperator(ctx context.Context, tx Tx, op string, o models.Operator) error {
	if o.ID == nil {
		return nil
	}
	u, err := tx.GetUser(ctx, *o.ID)
	if errors.Is(err, ErrNotFound) || (err == nil && !u.IsActive) {
		return newError(ErrValidation, op, "operator %d is not an active user", *o.ID)
	}
	return err
}
