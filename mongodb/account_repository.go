package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/pilab-dev/tenant-sso/domain"
)

// scopeClaims lists the standard claims released by each OpenID Connect scope.
var scopeClaims = map[string][]string{
	"profile": {
		"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username",
		"profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at",
	},
	"email":   {"email", "email_verified"},
	"phone":   {"phone_number", "phone_number_verified"},
	"address": {"address"},
}

// AccountRepository implements domain.AccountProvider.
type AccountRepository struct {
	coll *mongo.Collection
}

var _ domain.AccountProvider = (*AccountRepository)(nil)

func NewAccountRepository(db *mongo.Database) *AccountRepository {
	return &AccountRepository{coll: db.Collection(AccountsCollection)}
}

// CreateAccount inserts an account.
func (r *AccountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	if _, err := r.coll.InsertOne(ctx, account); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// FindAccount implements domain.AccountProvider. Suspended accounts are reported as missing.
func (r *AccountRepository) FindAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var account domain.Account
	err := r.coll.FindOne(ctx, byID(accountID)).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account.Suspended {
		return nil, domain.ErrNotFound
	}
	return &account, nil
}

// Claims implements domain.AccountProvider. It releases the stored claims covered by scope and
// the individually requested ones.
func (r *AccountRepository) Claims(
	_ context.Context,
	account *domain.Account,
	_ string,
	scope domain.Scopes,
	requested []string,
) (map[string]any, error) {
	claims := map[string]any{"sub": account.ID}
	release := func(name string) {
		if v, ok := account.Claims[name]; ok {
			claims[name] = v
		}
	}
	for _, s := range scope {
		for _, name := range scopeClaims[s] {
			release(name)
		}
	}
	for _, name := range requested {
		release(name)
	}
	return claims, nil
}
