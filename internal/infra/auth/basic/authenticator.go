package basic

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"takserver/internal/domain"
)

type AccountDirectory interface {
	FindByUsername(ctx context.Context, username string) (*domain.Account, error)
	Create(ctx context.Context, account domain.Account) (*domain.Account, error)
}

// Authenticator verifies HTTP Basic credentials against the account store.
// Every failure collapses to domain.ErrUnauthorized.
type Authenticator struct {
	accounts AccountDirectory
	params   ArgonParams
	// dummyHash keeps the unknown-user path as slow as a wrong password.
	dummyHash string
}

func NewAuthenticator(accounts AccountDirectory) *Authenticator {
	dummy, _ := HashPassword(DefaultArgon, "takserver-unknown-account")
	return &Authenticator{accounts: accounts, params: DefaultArgon, dummyHash: dummy}
}

func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (domain.Principal, error) {
	username, password, ok := ParseBasic(authorization)
	if !ok {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	account, err := a.Verify(ctx, username, password)
	if err != nil {
		return domain.Principal{}, err
	}
	return account.Principal(), nil
}

func (a *Authenticator) Verify(ctx context.Context, username, password string) (*domain.Account, error) {
	if a == nil || a.accounts == nil || username == "" {
		return nil, domain.ErrUnauthorized
	}
	account, err := a.accounts.FindByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "account lookup failed", "error", err)
		}
		_, _ = VerifyPassword(password, a.dummyHash)
		return nil, domain.ErrUnauthorized
	}
	ok, err := VerifyPassword(password, account.PasswordHash)
	if err != nil || !ok || !account.Active {
		return nil, domain.ErrUnauthorized
	}
	return account, nil
}

// EnsureAccount creates username with password and roles unless it exists.
func (a *Authenticator) EnsureAccount(ctx context.Context, username, password string, roles []string) (bool, error) {
	if _, err := a.accounts.FindByUsername(ctx, username); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	hash, err := HashPassword(a.params, password)
	if err != nil {
		return false, err
	}
	_, err = a.accounts.Create(ctx, domain.Account{
		Username:     username,
		PasswordHash: hash,
		Active:       true,
		Roles:        roles,
	})
	if errors.Is(err, domain.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ParseBasic decodes an Authorization header of the form "Basic <b64>".
// The password may contain colons.
func ParseBasic(authorization string) (username, password string, ok bool) {
	scheme, encoded, found := strings.Cut(strings.TrimSpace(authorization), " ")
	if !found || !strings.EqualFold(scheme, "basic") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	username, password, found = strings.Cut(string(raw), ":")
	if !found || username == "" {
		return "", "", false
	}
	return username, password, true
}
