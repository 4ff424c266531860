package auth

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-auth-client/storage"
)

// NoCredentialsErr is returned by GetCredentials when nothing is stored.
var NoCredentialsErr = errors.New("no stored credentials")

// CredentialsRepo is the external credentials-store collaborator. It must
// tolerate concurrent calls and surface failure as an error, never a silent
// no-op.
type CredentialsRepo interface {
	// StoreCredentials persists the record under key.
	StoreCredentials(ctx context.Context, key string, creds *Credentials) error

	// GetCredentials retrieves the record, or NoCredentialsErr.
	GetCredentials(ctx context.Context, key string) (*Credentials, error)

	// RemoveCredentials deletes the record. Missing keys are not an error.
	RemoveCredentials(ctx context.Context, key string) error

	// HasCredentials reports whether a record exists under key.
	HasCredentials(ctx context.Context, key string) (bool, error)
}

var _ CredentialsRepo = (*StoreCredentialsRepo)(nil)

// StoreCredentialsRepo adapts a storage.Store (the encrypted key/value
// primitive) into a CredentialsRepo by marshalling records as JSON.
type StoreCredentialsRepo struct {
	store storage.Store
}

func NewStoreCredentialsRepo(store storage.Store) *StoreCredentialsRepo {
	return &StoreCredentialsRepo{store: store}
}

func (r *StoreCredentialsRepo) StoreCredentials(ctx context.Context, key string, creds *Credentials) error {
	if creds == nil {
		return errors.New("[StoreCredentials] credentials cannot be nil")
	}
	record, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "[StoreCredentials] marshal")
	}
	if err := r.store.Set(ctx, key, record); err != nil {
		return errors.Wrap(err, "[StoreCredentials] persist")
	}
	return nil
}

func (r *StoreCredentialsRepo) GetCredentials(ctx context.Context, key string) (*Credentials, error) {
	record, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NoCredentialsErr
		}
		return nil, errors.Wrap(err, "[GetCredentials] read")
	}
	var creds Credentials
	if err := json.Unmarshal(record, &creds); err != nil {
		return nil, errors.Wrap(err, "[GetCredentials] unmarshal")
	}
	return &creds, nil
}

func (r *StoreCredentialsRepo) RemoveCredentials(ctx context.Context, key string) error {
	if err := r.store.Remove(ctx, key); err != nil {
		return errors.Wrap(err, "[RemoveCredentials] remove")
	}
	return nil
}

func (r *StoreCredentialsRepo) HasCredentials(ctx context.Context, key string) (bool, error) {
	ok, err := r.store.Has(ctx, key)
	if err != nil {
		return false, errors.Wrap(err, "[HasCredentials] lookup")
	}
	return ok, nil
}
