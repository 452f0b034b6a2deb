package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/modelgate/modelgate/internal/models"
)

// ErrClientNotFound is returned when no client row matches.
var ErrClientNotFound = errors.New("client not found")

const clientColumns = `id, name, email, api_key_hash, secret_enc, status,
	scopes, allowed_models, quotas, created_at, updated_at`

func scanClient(row pgx.Row) (*models.Client, error) {
	var c models.Client
	err := row.Scan(
		&c.ID, &c.Name, &c.Email, &c.APIKeyHash, &c.SecretEnc, &c.Status,
		&c.Scopes, &c.AllowedModels, &c.Quotas, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateClient inserts a provisioned client and fills in the
// database-assigned timestamps.
func (db *DB) CreateClient(ctx context.Context, c *models.Client) error {
	query := `
		INSERT INTO clients (id, name, email, api_key_hash, secret_enc, status,
			scopes, allowed_models, quotas)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := db.Pool.QueryRow(ctx, query,
		c.ID, c.Name, c.Email, c.APIKeyHash, c.SecretEnc, c.Status,
		c.Scopes, c.AllowedModels, c.Quotas,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func (db *DB) GetClientByID(ctx context.Context, id string) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`
	return scanClient(db.Pool.QueryRow(ctx, query, id))
}

func (db *DB) GetClientByEmail(ctx context.Context, email string) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE email = $1`
	return scanClient(db.Pool.QueryRow(ctx, query, email))
}

func (db *DB) ListClients(ctx context.Context) ([]*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients ORDER BY created_at DESC`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("list clients: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (db *DB) UpdateClientStatus(ctx context.Context, id, status string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE clients SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update client status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

func (db *DB) UpdateClientQuotas(ctx context.Context, id string, quotas map[string]models.Quota) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE clients SET quotas = $2, updated_at = NOW() WHERE id = $1`, id, quotas)
	if err != nil {
		return fmt.Errorf("update client quotas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

// UpdateClientCredentials replaces both the API key hash and the
// encrypted signing secret in one statement, so a rotation can never
// leave the pair half applied.
func (db *DB) UpdateClientCredentials(ctx context.Context, id, apiKeyHash, secretEnc string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE clients SET api_key_hash = $2, secret_enc = $3, updated_at = NOW() WHERE id = $1`,
		id, apiKeyHash, secretEnc)
	if err != nil {
		return fmt.Errorf("update client credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

// InsertRequestRecord appends one audit row. Callers fire it off the
// request path; a lost row must never fail the request it describes.
func (db *DB) InsertRequestRecord(ctx context.Context, rec *models.RequestRecord) error {
	query := `
		INSERT INTO request_records (request_id, client_id, model_id, path, method,
			verdict, reason, status_code, latency_ms, response_size, cache_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := db.Pool.Exec(ctx, query,
		rec.RequestID, rec.ClientID, rec.ModelID, rec.Path, rec.Method,
		rec.Verdict, rec.Reason, rec.StatusCode, rec.LatencyMs, rec.ResponseSize,
		rec.CacheStatus)
	if err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}
	return nil
}

// GetClientStats aggregates the audit trail for one client over a
// time window.
func (db *DB) GetClientStats(ctx context.Context, clientID string, from, to time.Time) (*models.ClientStats, error) {
	stats := &models.ClientStats{ClientID: clientID, ByReason: map[string]int64{}}

	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE verdict = 'accepted'),
			COUNT(*) FILTER (WHERE verdict = 'rejected'),
			COALESCE(AVG(latency_ms), 0)
		FROM request_records
		WHERE client_id = $1 AND created_at >= $2 AND created_at < $3`

	err := db.Pool.QueryRow(ctx, query, clientID, from, to).Scan(
		&stats.Total, &stats.Accepted, &stats.Rejected, &stats.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("client stats: %w", err)
	}

	reasonQuery := `
		SELECT reason, COUNT(*)
		FROM request_records
		WHERE client_id = $1 AND verdict = 'rejected'
			AND created_at >= $2 AND created_at < $3
		GROUP BY reason`

	rows, err := db.Pool.Query(ctx, reasonQuery, clientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("client stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("client stats: %w", err)
		}
		stats.ByReason[reason] = count
	}
	return stats, rows.Err()
}
