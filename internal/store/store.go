package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ludash/controlplane/internal/vault"
)

// Store is the contract the rest of the control plane depends on — an
// interface rather than a concrete pgx type, so the orchestrator and HTTP
// layer can be tested against an in-memory fake (grounded on the minimal
// side-effect-boundary Store interface pattern from the Keymaster SSH key
// manager reference).
type Store interface {
	CreateHost(ctx context.Context, h *Host) (int64, error)
	UpdateHost(ctx context.Context, h *Host) error
	DeleteHost(ctx context.Context, id int64) error
	GetHost(ctx context.Context, id int64) (*Host, error)
	ListHosts(ctx context.Context) ([]*Host, error)

	MarkReachable(ctx context.Context, id int64, facts *SystemFacts) error
	MarkUnreachable(ctx context.Context, id int64) error
	SetDetectedManagers(ctx context.Context, id int64, managers []string) error
	SetLastNotifiedFingerprint(ctx context.Context, id int64, fp string) error

	// ReplaceUpdates atomically replaces all cached updates for (hostID, manager).
	ReplaceUpdates(ctx context.Context, hostID int64, manager string, updates []CachedUpdate) error
	ListUpdates(ctx context.Context, hostID int64) ([]CachedUpdate, error)

	InsertHistory(ctx context.Context, row *HistoryRow) (int64, error)
	CompleteHistory(ctx context.Context, id int64, status Status, output, errStr string, packages []string) error
	ListHistory(ctx context.Context, hostID int64, limit int) ([]HistoryRow, error)
	// FailAllStarted rewrites every `started` row to `failed` — crash recovery.
	FailAllStarted(ctx context.Context) (int, error)

	// StaleHostIDs returns hosts whose cache is older than horizon or absent.
	StaleHostIDs(ctx context.Context, horizon time.Duration) ([]int64, error)

	CreateChannel(ctx context.Context, c *NotificationChannel) (int64, error)
	UpdateChannel(ctx context.Context, c *NotificationChannel) error
	DeleteChannel(ctx context.Context, id int64) error
	GetChannel(ctx context.Context, id int64) (*NotificationChannel, error)
	ListChannels(ctx context.Context) ([]*NotificationChannel, error)
	SetChannelPending(ctx context.Context, id int64, pending []PendingEvent) error
	SetChannelLastSent(ctx context.Context, id int64, at time.Time) error

	// MigrateLegacySecrets re-encrypts every host and notification-channel
	// secret from the fixed pre-instance salt to the vault's current key.
	MigrateLegacySecrets(ctx context.Context, passphrase string, v *vault.Vault) (hostsMigrated, channelsMigrated int, err error)

	Close()
}

// PostgresStore implements Store on top of a pgx connection pool, using
// raw SQL with explicit transactions (tx.Exec/tx.Query, ON CONFLICT ...
// DO UPDATE) rather than an ORM.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool and verifies connectivity.
func Open(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) CreateHost(ctx context.Context, h *Host) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hosts (
			hostname, port, username, display_name, auth_mode,
			enc_password, enc_private_key, enc_key_password, enc_sudo_password,
			detected_managers, disabled_managers, primary_manager,
			reachability, exclude_from_bulk_upgrade, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11::jsonb,$12,$13,$14,now(),now())
		RETURNING id
	`, h.Hostname, h.Port, h.Username, h.DisplayName, h.AuthMode,
		h.EncPassword, h.EncPrivateKey, h.EncKeyPassword, h.EncSudoPassword,
		mustJSON(h.DetectedManagers), mustJSON(h.DisabledManagers), h.PrimaryManager,
		Unknown, h.ExcludeFromBulkUpgrade,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create host: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateHost(ctx context.Context, h *Host) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hosts SET
			hostname=$2, port=$3, username=$4, display_name=$5, auth_mode=$6,
			enc_password=$7, enc_private_key=$8, enc_key_password=$9, enc_sudo_password=$10,
			disabled_managers=$11::jsonb, exclude_from_bulk_upgrade=$12, updated_at=now()
		WHERE id=$1
	`, h.ID, h.Hostname, h.Port, h.Username, h.DisplayName, h.AuthMode,
		h.EncPassword, h.EncPrivateKey, h.EncKeyPassword, h.EncSudoPassword,
		mustJSON(h.DisabledManagers), h.ExcludeFromBulkUpgrade)
	if err != nil {
		return fmt.Errorf("store: update host: %w", err)
	}
	return nil
}

// DeleteHost cascades to cached updates and history.
func (s *PostgresStore) DeleteHost(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM hosts WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("store: delete host: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHost(ctx context.Context, id int64) (*Host, error) {
	row := s.pool.QueryRow(ctx, hostSelectSQL+` WHERE id=$1`, id)
	return scanHost(row)
}

func (s *PostgresStore) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.pool.Query(ctx, hostSelectSQL+` ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("store: list hosts: %w", err)
	}
	defer rows.Close()

	var out []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

const hostSelectSQL = `
	SELECT id, hostname, port, username, display_name, auth_mode,
	       enc_password, enc_private_key, enc_key_password, enc_sudo_password,
	       detected_managers, disabled_managers, primary_manager,
	       reachability, last_seen_at, facts,
	       last_notified_fingerprint, exclude_from_bulk_upgrade, created_at, updated_at
	FROM hosts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (*Host, error) {
	var h Host
	var detected, disabled, facts []byte
	if err := row.Scan(
		&h.ID, &h.Hostname, &h.Port, &h.Username, &h.DisplayName, &h.AuthMode,
		&h.EncPassword, &h.EncPrivateKey, &h.EncKeyPassword, &h.EncSudoPassword,
		&detected, &disabled, &h.PrimaryManager,
		&h.Reachability, &h.LastSeenAt, &facts,
		&h.LastNotifiedFingerprint, &h.ExcludeFromBulkUpgrade, &h.CreatedAt, &h.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("store: scan host: %w", err)
	}
	_ = json.Unmarshal(detected, &h.DetectedManagers)
	_ = json.Unmarshal(disabled, &h.DisabledManagers)
	if len(facts) > 0 {
		var f SystemFacts
		if json.Unmarshal(facts, &f) == nil {
			h.Facts = &f
		}
	}
	return &h, nil
}

func (s *PostgresStore) MarkReachable(ctx context.Context, id int64, facts *SystemFacts) error {
	// Facts write is atomic with marking reachable.
	_, err := s.pool.Exec(ctx, `
		UPDATE hosts SET reachability=$2, last_seen_at=now(), facts=$3::jsonb, updated_at=now()
		WHERE id=$1
	`, id, Reachable, mustJSON(facts))
	if err != nil {
		return fmt.Errorf("store: mark reachable: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkUnreachable(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE hosts SET reachability=$2, updated_at=now() WHERE id=$1`, id, Unreachable)
	if err != nil {
		return fmt.Errorf("store: mark unreachable: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDetectedManagers(ctx context.Context, id int64, managers []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hosts SET detected_managers=$2::jsonb,
			primary_manager = COALESCE(NULLIF(primary_manager, ''), $3),
			updated_at=now()
		WHERE id=$1
	`, id, mustJSON(managers), firstOrEmpty(managers))
	if err != nil {
		return fmt.Errorf("store: set detected managers: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetLastNotifiedFingerprint(ctx context.Context, id int64, fp string) error {
	_, err := s.pool.Exec(ctx, `UPDATE hosts SET last_notified_fingerprint=$2 WHERE id=$1`, id, fp)
	if err != nil {
		return fmt.Errorf("store: set fingerprint: %w", err)
	}
	return nil
}

// ReplaceUpdates deletes and reinserts a host+manager's cache rows inside
// one transaction, so readers never observe a partial cache: it always
// equals exactly the latest parse result.
func (s *PostgresStore) ReplaceUpdates(ctx context.Context, hostID int64, manager string, updates []CachedUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM update_cache WHERE host_id=$1 AND manager=$2`, hostID, manager); err != nil {
		return fmt.Errorf("store: clear updates: %w", err)
	}
	for _, u := range updates {
		_, err := tx.Exec(ctx, `
			INSERT INTO update_cache (host_id, manager, package, current_version, new_version, architecture, repository, is_security, cached_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		`, hostID, manager, u.Package, u.CurrentVer, u.NewVer, u.Arch, u.Repository, u.IsSecurity)
		if err != nil {
			return fmt.Errorf("store: insert update: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListUpdates(ctx context.Context, hostID int64) ([]CachedUpdate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host_id, manager, package, current_version, new_version, architecture, repository, is_security, cached_at
		FROM update_cache WHERE host_id=$1 ORDER BY manager, package
	`, hostID)
	if err != nil {
		return nil, fmt.Errorf("store: list updates: %w", err)
	}
	defer rows.Close()

	var out []CachedUpdate
	for rows.Next() {
		var u CachedUpdate
		if err := rows.Scan(&u.HostID, &u.Manager, &u.Package, &u.CurrentVer, &u.NewVer, &u.Arch, &u.Repository, &u.IsSecurity, &u.CachedAt); err != nil {
			return nil, fmt.Errorf("store: scan update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertHistory(ctx context.Context, row *HistoryRow) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO update_history (host_id, action, manager, status, command, started_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING id
	`, row.HostID, row.Action, row.Manager, row.Status, row.Command).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert history: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) CompleteHistory(ctx context.Context, id int64, status Status, output, errStr string, packages []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE update_history SET
			status=$2, output=$3, error=$4, packages=$5::jsonb, package_count=$6, completed_at=now()
		WHERE id=$1
	`, id, status, output, errStr, mustJSON(packages), len(packages))
	if err != nil {
		return fmt.Errorf("store: complete history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, hostID int64, limit int) ([]HistoryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, host_id, action, manager, status, command, output, error, package_count, packages, started_at, completed_at
		FROM update_history WHERE host_id=$1 ORDER BY started_at DESC LIMIT $2
	`, hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var packages []byte
		if err := rows.Scan(&r.ID, &r.HostID, &r.Action, &r.Manager, &r.Status, &r.Command, &r.Output, &r.Error, &r.PackageCnt, &packages, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		_ = json.Unmarshal(packages, &r.Packages)
		out = append(out, r)
	}
	return out, rows.Err()
}

// FailAllStarted implements the crash-recovery invariant:
// no history row remains `started` across a process restart.
func (s *PostgresStore) FailAllStarted(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE update_history SET status=$1, error='server restarted', completed_at=now()
		WHERE status=$2
	`, StatusFailed, StatusStarted)
	if err != nil {
		return 0, fmt.Errorf("store: fail started rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) StaleHostIDs(ctx context.Context, horizon time.Duration) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT h.id FROM hosts h
		LEFT JOIN (
			SELECT host_id, MAX(cached_at) AS max_cached FROM update_cache GROUP BY host_id
		) c ON c.host_id = h.id
		WHERE c.max_cached IS NULL OR c.max_cached < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int(horizon.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("store: stale hosts: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CreateChannel(ctx context.Context, c *NotificationChannel) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO notification_channels (name, provider, enabled, notify_on, scope_host_ids, provider_config, schedule, created_at)
		VALUES ($1,$2,$3,$4::jsonb,$5::jsonb,$6::jsonb,$7::jsonb,now())
		RETURNING id
	`, c.Name, c.Provider, c.Enabled, mustJSON(c.NotifyOn), mustJSON(c.ScopeHostIDs), mustJSON(c.ProviderConfig), mustJSON(c.Schedule)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create channel: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, c *NotificationChannel) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_channels SET
			name=$2, provider=$3, enabled=$4, notify_on=$5::jsonb,
			scope_host_ids=$6::jsonb, provider_config=$7::jsonb, schedule=$8::jsonb
		WHERE id=$1
	`, c.ID, c.Name, c.Provider, c.Enabled, mustJSON(c.NotifyOn), mustJSON(c.ScopeHostIDs), mustJSON(c.ProviderConfig), mustJSON(c.Schedule))
	if err != nil {
		return fmt.Errorf("store: update channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM notification_channels WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("store: delete channel: %w", err)
	}
	return nil
}

const channelSelectSQL = `
	SELECT id, name, provider, enabled, notify_on, scope_host_ids, provider_config, schedule, pending_events, last_sent_at
	FROM notification_channels`

func (s *PostgresStore) GetChannel(ctx context.Context, id int64) (*NotificationChannel, error) {
	row := s.pool.QueryRow(ctx, channelSelectSQL+` WHERE id=$1`, id)
	return scanChannel(row)
}

func (s *PostgresStore) ListChannels(ctx context.Context) ([]*NotificationChannel, error) {
	rows, err := s.pool.Query(ctx, channelSelectSQL+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()

	var out []*NotificationChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChannel(row rowScanner) (*NotificationChannel, error) {
	var c NotificationChannel
	var notifyOn, scope, cfg, sched, pending []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Provider, &c.Enabled, &notifyOn, &scope, &cfg, &sched, &pending, &c.LastSentAt); err != nil {
		return nil, fmt.Errorf("store: scan channel: %w", err)
	}
	_ = json.Unmarshal(notifyOn, &c.NotifyOn)
	_ = json.Unmarshal(scope, &c.ScopeHostIDs)
	_ = json.Unmarshal(cfg, &c.ProviderConfig)
	_ = json.Unmarshal(sched, &c.Schedule)
	_ = json.Unmarshal(pending, &c.Pending)
	return &c, nil
}

func (s *PostgresStore) SetChannelPending(ctx context.Context, id int64, pending []PendingEvent) error {
	_, err := s.pool.Exec(ctx, `UPDATE notification_channels SET pending_events=$2::jsonb WHERE id=$1`, id, mustJSON(pending))
	if err != nil {
		return fmt.Errorf("store: set pending: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetChannelLastSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE notification_channels SET last_sent_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("store: set last sent: %w", err)
	}
	return nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
