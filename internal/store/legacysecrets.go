package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ludash/controlplane/internal/vault"
)

// MigrateLegacySecrets re-encrypts every secret already at rest from the
// fixed pre-instance salt to v's freshly-minted persisted one. It is a
// one-shot startup routine: the caller gates it on v.JustRotatedSalt(),
// since a vault built against an existing salt file never needs it.
//
// A field is "legacy" if vault.DecryptLegacy(passphrase, token) succeeds
// under the fixed salt — AES-GCM's authentication tag makes a false
// positive on a non-token string effectively impossible, so this needs no
// separate catalogue of which provider_config keys are secret. Each table
// is migrated inside its own transaction, matching the per-table
// all-or-nothing requirement.
func (s *PostgresStore) MigrateLegacySecrets(ctx context.Context, passphrase string, v *vault.Vault) (hostsMigrated, channelsMigrated int, err error) {
	hostsMigrated, err = s.migrateLegacyHostSecrets(ctx, passphrase, v)
	if err != nil {
		return hostsMigrated, 0, fmt.Errorf("store: migrate legacy host secrets: %w", err)
	}
	channelsMigrated, err = s.migrateLegacyChannelSecrets(ctx, passphrase, v)
	if err != nil {
		return hostsMigrated, channelsMigrated, fmt.Errorf("store: migrate legacy channel secrets: %w", err)
	}
	return hostsMigrated, channelsMigrated, nil
}

func (s *PostgresStore) migrateLegacyHostSecrets(ctx context.Context, passphrase string, v *vault.Vault) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, enc_password, enc_private_key, enc_key_password, enc_sudo_password
		FROM hosts FOR UPDATE
	`)
	if err != nil {
		return 0, fmt.Errorf("select hosts: %w", err)
	}
	type hostSecrets struct {
		id           int64
		password     string
		privateKey   string
		keyPassword  string
		sudoPassword string
	}
	var candidates []hostSecrets
	for rows.Next() {
		var hs hostSecrets
		if err := rows.Scan(&hs.id, &hs.password, &hs.privateKey, &hs.keyPassword, &hs.sudoPassword); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan host: %w", err)
		}
		candidates = append(candidates, hs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate hosts: %w", err)
	}

	migrated := 0
	for _, hs := range candidates {
		password, changed1, err := reencryptLegacyToken(passphrase, v, hs.password)
		if err != nil {
			return 0, fmt.Errorf("host %d enc_password: %w", hs.id, err)
		}
		privateKey, changed2, err := reencryptLegacyToken(passphrase, v, hs.privateKey)
		if err != nil {
			return 0, fmt.Errorf("host %d enc_private_key: %w", hs.id, err)
		}
		keyPassword, changed3, err := reencryptLegacyToken(passphrase, v, hs.keyPassword)
		if err != nil {
			return 0, fmt.Errorf("host %d enc_key_password: %w", hs.id, err)
		}
		sudoPassword, changed4, err := reencryptLegacyToken(passphrase, v, hs.sudoPassword)
		if err != nil {
			return 0, fmt.Errorf("host %d enc_sudo_password: %w", hs.id, err)
		}
		if !(changed1 || changed2 || changed3 || changed4) {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE hosts SET enc_password=$2, enc_private_key=$3, enc_key_password=$4, enc_sudo_password=$5
			WHERE id=$1
		`, hs.id, password, privateKey, keyPassword, sudoPassword); err != nil {
			return 0, fmt.Errorf("update host %d: %w", hs.id, err)
		}
		migrated++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return migrated, nil
}

func (s *PostgresStore) migrateLegacyChannelSecrets(ctx context.Context, passphrase string, v *vault.Vault) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, provider_config FROM notification_channels FOR UPDATE`)
	if err != nil {
		return 0, fmt.Errorf("select channels: %w", err)
	}
	type channelCfg struct {
		id  int64
		cfg []byte
	}
	var candidates []channelCfg
	for rows.Next() {
		var cc channelCfg
		if err := rows.Scan(&cc.id, &cc.cfg); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan channel: %w", err)
		}
		candidates = append(candidates, cc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate channels: %w", err)
	}

	migrated := 0
	for _, cc := range candidates {
		var cfg map[string]interface{}
		if err := json.Unmarshal(cc.cfg, &cfg); err != nil {
			return 0, fmt.Errorf("channel %d: unmarshal provider_config: %w", cc.id, err)
		}

		changed := false
		for key, val := range cfg {
			token, ok := val.(string)
			if !ok || token == "" {
				continue
			}
			newToken, didChange, err := reencryptLegacyToken(passphrase, v, token)
			if err != nil {
				return 0, fmt.Errorf("channel %d provider_config.%s: %w", cc.id, key, err)
			}
			if didChange {
				cfg[key] = newToken
				changed = true
			}
		}
		if !changed {
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE notification_channels SET provider_config=$2::jsonb WHERE id=$1`, cc.id, mustJSON(cfg)); err != nil {
			return 0, fmt.Errorf("update channel %d: %w", cc.id, err)
		}
		migrated++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return migrated, nil
}

// reencryptLegacyToken decrypts token under the fixed legacy salt and, on
// success, returns a token re-encrypted under v's current key. An empty
// token or one that doesn't decrypt under the legacy key (already current,
// or not a token at all) is returned unchanged.
func reencryptLegacyToken(passphrase string, v *vault.Vault, token string) (newToken string, changed bool, err error) {
	if token == "" {
		return token, false, nil
	}
	plain, decErr := vault.DecryptLegacy(passphrase, token)
	if decErr != nil {
		return token, false, nil
	}
	reencrypted, err := v.Encrypt(plain)
	if err != nil {
		return token, false, fmt.Errorf("re-encrypt: %w", err)
	}
	return reencrypted, true, nil
}
