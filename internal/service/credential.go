package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kilnhq/kiln/internal/encryption"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
)

// CredentialService stores provider credentials encrypted at rest and hands
// them to the sidecar client as environment variables.
type CredentialService struct {
	store     *store.Store
	encryptor *encryption.Encryptor
}

// NewCredentialService creates a credential service.
func NewCredentialService(s *store.Store, enc *encryption.Encryptor) *CredentialService {
	return &CredentialService{store: s, encryptor: enc}
}

// Set encrypts and stores the environment variables for one provider.
func (s *CredentialService) Set(ctx context.Context, projectID, provider string, env map[string]string) error {
	ciphertext, err := s.encryptor.EncryptJSON(env)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	return s.store.UpsertCredential(ctx, &model.Credential{
		ProjectID: projectID,
		Provider:  provider,
		Data:      ciphertext,
	})
}

// GetDecrypted returns the environment variables for one provider.
func (s *CredentialService) GetDecrypted(ctx context.Context, projectID, provider string) (map[string]string, error) {
	cred, err := s.store.GetCredential(ctx, projectID, provider)
	if err != nil {
		return nil, err
	}
	var env map[string]string
	if err := s.encryptor.DecryptJSON(cred.Data, &env); err != nil {
		return nil, fmt.Errorf("failed to decrypt credential for %s: %w", provider, err)
	}
	return env, nil
}

// GetAllDecrypted flattens every credential of a project into environment
// variables, sorted by name for deterministic output.
func (s *CredentialService) GetAllDecrypted(ctx context.Context, projectID string) ([]CredentialEnvVar, error) {
	creds, err := s.store.ListCredentials(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var vars []CredentialEnvVar
	for _, cred := range creds {
		var env map[string]string
		if err := s.encryptor.DecryptJSON(cred.Data, &env); err != nil {
			return nil, fmt.Errorf("failed to decrypt credential for %s: %w", cred.Provider, err)
		}
		for name, value := range env {
			vars = append(vars, CredentialEnvVar{Name: name, Value: value})
		}
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars, nil
}

// ListProviders returns the provider names that have stored credentials.
func (s *CredentialService) ListProviders(ctx context.Context, projectID string) ([]string, error) {
	creds, err := s.store.ListCredentials(ctx, projectID)
	if err != nil {
		return nil, err
	}
	providers := make([]string, len(creds))
	for i, cred := range creds {
		providers[i] = cred.Provider
	}
	return providers, nil
}

// Delete removes a provider's credential. Missing credentials are a no-op.
func (s *CredentialService) Delete(ctx context.Context, projectID, provider string) error {
	err := s.store.DeleteCredential(ctx, projectID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Fetcher returns a CredentialFetcher resolving a session to its project's
// decrypted credentials.
func (s *CredentialService) Fetcher() CredentialFetcher {
	return func(ctx context.Context, sessionID string) ([]CredentialEnvVar, error) {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		return s.GetAllDecrypted(ctx, sess.ProjectID)
	}
}
