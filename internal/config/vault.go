// -------------------------------------------------------------------------------
// Vault Secrets - Database Credential Resolution
//
// Author: Alex Freidah
//
// Resolves database credentials from a HashiCorp Vault KV v2 secret so that
// passwords and libSQL tokens do not have to live in the config file or the
// process environment. Resolution happens once at startup, before the store
// connects.
// -------------------------------------------------------------------------------

package config

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// secretReader is the subset of the Vault KV v2 client used for credential
// resolution. Allows tests to substitute a fake.
type secretReader interface {
	Get(ctx context.Context, secretPath string) (*vault.KVSecret, error)
}

// ResolveVaultSecrets fills DatabaseConfig.Password (and AuthToken when
// AuthTokenKey is set) from the configured Vault secret. No-op when Vault is
// disabled.
func ResolveVaultSecrets(ctx context.Context, db *DatabaseConfig) error {
	if !db.Vault.Enabled {
		return nil
	}

	vcfg := vault.DefaultConfig()
	if vcfg.Error != nil {
		return fmt.Errorf("failed to read vault environment: %w", vcfg.Error)
	}
	if db.Vault.Address != "" {
		vcfg.Address = db.Vault.Address
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	if db.Vault.Token != "" {
		client.SetToken(db.Vault.Token)
	}

	return resolveFrom(ctx, client.KVv2(db.Vault.Mount), db)
}

// resolveFrom reads the secret and copies the configured fields into db.
func resolveFrom(ctx context.Context, kv secretReader, db *DatabaseConfig) error {
	secret, err := kv.Get(ctx, db.Vault.Path)
	if err != nil {
		return fmt.Errorf("failed to read vault secret %s/%s: %w", db.Vault.Mount, db.Vault.Path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault secret %s/%s is empty", db.Vault.Mount, db.Vault.Path)
	}

	password, err := stringField(secret.Data, db.Vault.PasswordKey)
	if err != nil {
		return err
	}
	db.Password = password

	if db.Vault.AuthTokenKey != "" {
		token, err := stringField(secret.Data, db.Vault.AuthTokenKey)
		if err != nil {
			return err
		}
		db.AuthToken = token
	}

	return nil
}

// stringField extracts a string value from secret data.
func stringField(data map[string]any, key string) (string, error) {
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault secret has no field %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault secret field %q is not a string", key)
	}
	return s, nil
}
