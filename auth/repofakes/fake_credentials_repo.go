package repofakes

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-client/auth"
)

var _ auth.CredentialsRepo = (*FakeCredentialsRepo)(nil)

// FakeCredentialsRepo is an in-memory CredentialsRepo for testing, with
// per-operation failure injection and call counters.
type FakeCredentialsRepo struct {
	lock    sync.RWMutex
	records map[string]auth.Credentials

	FailStore  error
	FailGet    error
	FailRemove error

	StoreCalls  int
	GetCalls    int
	RemoveCalls int
}

func NewFakeCredentialsRepo() *FakeCredentialsRepo {
	return &FakeCredentialsRepo{records: make(map[string]auth.Credentials)}
}

func (f *FakeCredentialsRepo) StoreCredentials(_ context.Context, key string, creds *auth.Credentials) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.StoreCalls++
	if f.FailStore != nil {
		return f.FailStore
	}
	f.records[key] = *creds
	return nil
}

func (f *FakeCredentialsRepo) GetCredentials(_ context.Context, key string) (*auth.Credentials, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.GetCalls++
	if f.FailGet != nil {
		return nil, f.FailGet
	}
	record, found := f.records[key]
	if !found {
		return nil, auth.NoCredentialsErr
	}
	copied := record
	return &copied, nil
}

func (f *FakeCredentialsRepo) RemoveCredentials(_ context.Context, key string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.RemoveCalls++
	if f.FailRemove != nil {
		return f.FailRemove
	}
	delete(f.records, key)
	return nil
}

func (f *FakeCredentialsRepo) HasCredentials(_ context.Context, key string) (bool, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	_, found := f.records[key]
	return found, nil
}
