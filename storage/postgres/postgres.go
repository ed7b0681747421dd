// Package postgres provides a PostgreSQL implementation of the
// embedgate.Store interface. This implementation uses SQL transactions with
// SELECT FOR UPDATE for atomic usage recording and single-transaction chunk
// replacement.
//
// The adapter expects the following tables to exist:
//
//	entitlements        (user_id, app_id, usage_limit, expiry_date,
//	                     fair_use_limit, fair_use_frequency, fair_use_custom_text,
//	                     max_projects, project_expiration_days, updated_at,
//	                     PRIMARY KEY (user_id, app_id))
//	usage_counts        (user_id, app_id, frequency, period_key, count, updated_at,
//	                     PRIMARY KEY (user_id, app_id, frequency, period_key))
//	credit_log          (id SERIAL, user_id, app_id, credits_deducted, recorded_at)
//	app_state_manifests (user_id, app_id, chunk_count, saved_at,
//	                     PRIMARY KEY (user_id, app_id))
//	app_state_chunks    (user_id, app_id, seq_key, payload,
//	                     PRIMARY KEY (user_id, app_id, seq_key))
//	app_state_legacy    (user_id, app_id, payload, PRIMARY KEY (user_id, app_id))
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// Storage implements embedgate.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{
		pool:   pool,
		config: config,
	}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database connection is alive
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetEntitlement implements embedgate.Store
func (s *Storage) GetEntitlement(ctx context.Context, userID, appID string) (*embedgate.Entitlement, error) {
	var ent embedgate.Entitlement
	var expiryDate *time.Time
	var fairUseLimit *int
	var fairUseFrequency, fairUseCustomText *string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, app_id, usage_limit, expiry_date,
				fair_use_limit, fair_use_frequency, fair_use_custom_text,
				max_projects, project_expiration_days, updated_at
			FROM entitlements WHERE user_id = $1 AND app_id = $2`,
		userID, appID).Scan(
		&ent.UserID,
		&ent.AppID,
		&ent.UsageLimit,
		&expiryDate,
		&fairUseLimit,
		&fairUseFrequency,
		&fairUseCustomText,
		&ent.MaxProjects,
		&ent.ProjectExpirationDays,
		&ent.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, embedgate.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	ent.ExpiryDate = expiryDate
	if fairUseLimit != nil && fairUseFrequency != nil {
		policy := &embedgate.FairUsePolicy{
			Limit:     *fairUseLimit,
			Frequency: embedgate.Frequency(*fairUseFrequency),
		}
		if fairUseCustomText != nil {
			policy.CustomText = *fairUseCustomText
		}
		ent.FairUsePolicy = policy
	}

	return &ent, nil
}

// SetEntitlement upserts an entitlement row. Not part of embedgate.Store:
// the gateway reads entitlements, only admin and purchase flows write them.
func (s *Storage) SetEntitlement(ctx context.Context, ent *embedgate.Entitlement) error {
	if ent == nil || ent.UserID == "" || ent.AppID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	var fairUseLimit *int
	var fairUseFrequency, fairUseCustomText *string
	if ent.FairUsePolicy != nil {
		limit := ent.FairUsePolicy.Limit
		frequency := string(ent.FairUsePolicy.Frequency)
		fairUseLimit = &limit
		fairUseFrequency = &frequency
		if ent.FairUsePolicy.CustomText != "" {
			text := ent.FairUsePolicy.CustomText
			fairUseCustomText = &text
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements
				(user_id, app_id, usage_limit, expiry_date,
				 fair_use_limit, fair_use_frequency, fair_use_custom_text,
				 max_projects, project_expiration_days, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (user_id, app_id) DO UPDATE SET
				usage_limit = EXCLUDED.usage_limit,
				expiry_date = EXCLUDED.expiry_date,
				fair_use_limit = EXCLUDED.fair_use_limit,
				fair_use_frequency = EXCLUDED.fair_use_frequency,
				fair_use_custom_text = EXCLUDED.fair_use_custom_text,
				max_projects = EXCLUDED.max_projects,
				project_expiration_days = EXCLUDED.project_expiration_days,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.AppID, ent.UsageLimit, ent.ExpiryDate,
		fairUseLimit, fairUseFrequency, fairUseCustomText,
		ent.MaxProjects, ent.ProjectExpirationDays, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// GetUsage implements embedgate.Store
func (s *Storage) GetUsage(ctx context.Context, userID, appID string, bucket embedgate.Bucket) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM usage_counts
			WHERE user_id = $1 AND app_id = $2 AND frequency = $3 AND period_key = $4`,
		userID, appID, string(bucket.Frequency), bucket.Key).Scan(&count)

	if err == pgx.ErrNoRows {
		return 0, nil // Counter is created lazily; absence means zero
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return count, nil
}

// RecordUsage implements embedgate.Store. The transaction is the
// linearization point: the row-level lock serializes the cap re-check, the
// counter update and the credit log insert, so concurrent records at the
// limit boundary resolve to exactly one success.
func (s *Storage) RecordUsage(ctx context.Context, req *embedgate.RecordUsageRequest) (int, error) {
	if req.Credits <= 0 {
		return 0, fmt.Errorf("invalid credits amount")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure the counter row exists so the SELECT FOR UPDATE below has a
	// row to lock (creates if missing, does nothing if present)
	_, err = tx.Exec(ctx,
		`INSERT INTO usage_counts (user_id, app_id, frequency, period_key, count, updated_at)
			VALUES ($1, $2, $3, $4, 0, NOW())
			ON CONFLICT (user_id, app_id, frequency, period_key) DO NOTHING`,
		req.UserID, req.AppID, string(req.Bucket.Frequency), req.Bucket.Key,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure counter exists: %w", err)
	}

	var currentUsed int
	err = tx.QueryRow(ctx,
		`SELECT count FROM usage_counts
			WHERE user_id = $1 AND app_id = $2 AND frequency = $3 AND period_key = $4
			FOR UPDATE`,
		req.UserID, req.AppID, string(req.Bucket.Frequency), req.Bucket.Key).Scan(&currentUsed)
	if err != nil {
		return 0, fmt.Errorf("failed to get usage for update: %w", err)
	}

	newUsed := currentUsed + req.Credits
	if newUsed > req.Limit {
		return currentUsed, embedgate.ErrLimitExceeded
	}

	_, err = tx.Exec(ctx,
		`UPDATE usage_counts SET count = $1, updated_at = NOW()
			WHERE user_id = $2 AND app_id = $3 AND frequency = $4 AND period_key = $5`,
		newUsed, req.UserID, req.AppID, string(req.Bucket.Frequency), req.Bucket.Key)
	if err != nil {
		return 0, fmt.Errorf("failed to update usage: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_log (user_id, app_id, credits_deducted, recorded_at)
			VALUES ($1, $2, $3, $4)`,
		req.UserID, req.AppID, req.Credits, req.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to append credit log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newUsed, nil
}

// AppendCreditLog implements embedgate.Store
func (s *Storage) AppendCreditLog(ctx context.Context, entry *embedgate.CreditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_log (user_id, app_id, credits_deducted, recorded_at)
			VALUES ($1, $2, $3, $4)`,
		entry.UserID, entry.AppID, entry.CreditsDeducted, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append credit log: %w", err)
	}
	return nil
}

// ReadChunkManifest implements embedgate.Store
func (s *Storage) ReadChunkManifest(ctx context.Context, userID, appID string) (*embedgate.ChunkManifest, error) {
	var manifest embedgate.ChunkManifest
	err := s.pool.QueryRow(ctx,
		`SELECT chunk_count, saved_at FROM app_state_manifests
			WHERE user_id = $1 AND app_id = $2`,
		userID, appID).Scan(&manifest.ChunkCount, &manifest.SavedAt)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	return &manifest, nil
}

// ReadChunks implements embedgate.Store. The zero-padded seq_key makes
// lexicographic ORDER BY equal to numeric chunk order.
func (s *Storage) ReadChunks(ctx context.Context, userID, appID string, count int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq_key, payload FROM app_state_chunks
			WHERE user_id = $1 AND app_id = $2
			ORDER BY seq_key`,
		userID, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	records := make(map[string]string)
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		records[key] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}

	chunks := make([]string, count)
	for i := 0; i < count; i++ {
		payload, ok := records[embedgate.ChunkKey(i)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", embedgate.ErrChunkMissing, embedgate.ChunkKey(i))
		}
		chunks[i] = payload
	}
	return chunks, nil
}

// ReadLegacyState implements embedgate.Store
func (s *Storage) ReadLegacyState(ctx context.Context, userID, appID string) (string, error) {
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM app_state_legacy
			WHERE user_id = $1 AND app_id = $2`,
		userID, appID).Scan(&payload)

	if err == pgx.ErrNoRows {
		return "", embedgate.ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get legacy state: %w", err)
	}
	return payload, nil
}

// WriteChunks implements embedgate.Store. The whole replacement commits as
// one transaction: manifest, chunk upserts and trailing deletes are never
// partially visible to a reader.
func (s *Storage) WriteChunks(ctx context.Context, req *embedgate.ChunkWriteRequest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO app_state_manifests (user_id, app_id, chunk_count, saved_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, app_id) DO UPDATE SET
				chunk_count = EXCLUDED.chunk_count,
				saved_at = EXCLUDED.saved_at`,
		req.UserID, req.AppID, len(req.Chunks), req.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert manifest: %w", err)
	}

	for i, chunk := range req.Chunks {
		_, err = tx.Exec(ctx,
			`INSERT INTO app_state_chunks (user_id, app_id, seq_key, payload)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (user_id, app_id, seq_key) DO UPDATE SET
					payload = EXCLUDED.payload`,
			req.UserID, req.AppID, embedgate.ChunkKey(i), chunk)
		if err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", embedgate.ChunkKey(i), err)
		}
	}

	// Shrinking saves leave no orphaned trailing chunks behind. Zero-padded
	// keys compare lexicographically in numeric order, so a single range
	// delete covers every stale sequence number.
	_, err = tx.Exec(ctx,
		`DELETE FROM app_state_chunks
			WHERE user_id = $1 AND app_id = $2 AND seq_key >= $3`,
		req.UserID, req.AppID, embedgate.ChunkKey(len(req.Chunks)))
	if err != nil {
		return fmt.Errorf("failed to delete trailing chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

// DeleteLegacyState implements embedgate.Store. Deleting an absent row is
// a no-op, which matches the idempotency contract.
func (s *Storage) DeleteLegacyState(ctx context.Context, userID, appID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM app_state_legacy WHERE user_id = $1 AND app_id = $2`,
		userID, appID)
	if err != nil {
		return fmt.Errorf("failed to delete legacy state: %w", err)
	}
	return nil
}
