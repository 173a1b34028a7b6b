package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peekrelay/internal/model"
)

// PostgresConfig describes how the Postgres store sizes its connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

// Postgres persists identities, friendships and watch history in Postgres.
// Idempotent inserts rely on unique constraints with ON CONFLICT rather than a
// preceding existence check.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens the pool and applies the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

func (p *Postgres) migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

const identityColumns = `id, key, provider, email, display_name, avatar_url, created_at, updated_at`

func scanIdentity(row pgx.Row) (model.Identity, error) {
	var ident model.Identity
	err := row.Scan(
		&ident.ID,
		&ident.Key,
		&ident.Provider,
		&ident.Email,
		&ident.DisplayName,
		&ident.AvatarURL,
		&ident.CreatedAt,
		&ident.UpdatedAt,
	)
	return ident, err
}

func (p *Postgres) UpsertIdentity(ctx context.Context, profile model.IdentityProfile, nowMillis int64) (model.Identity, error) {
	if profile.Key == "" {
		return model.Identity{}, ErrMissingKey
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO identities (key, provider, email, display_name, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (key) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE identities.email END,
			updated_at = EXCLUDED.updated_at
		RETURNING `+identityColumns,
		profile.Key, profile.Provider, profile.Email, profile.DisplayName, profile.AvatarURL, nowMillis,
	)
	ident, err := scanIdentity(row)
	if err != nil {
		return model.Identity{}, fmt.Errorf("upsert identity %s: %w", profile.Key, err)
	}
	return ident, nil
}

func (p *Postgres) FindIdentity(ctx context.Context, key string) (model.Identity, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE key = $1`, key)
	ident, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Identity{}, false, nil
	}
	if err != nil {
		return model.Identity{}, false, fmt.Errorf("find identity %s: %w", key, err)
	}
	return ident, true, nil
}

func (p *Postgres) ListFriendEdges(ctx context.Context, ownerKey string) ([]model.Friend, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT e.owner_key, e.friend_key, e.excluded, e.created_at, e.updated_at,
		       i.id, i.key, i.provider, i.email, i.display_name, i.avatar_url, i.created_at, i.updated_at
		FROM friend_edges e
		JOIN identities i ON i.key = e.friend_key
		WHERE e.owner_key = $1
		ORDER BY e.created_at, e.friend_key`, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("list friend edges %s: %w", ownerKey, err)
	}
	defer rows.Close()

	result := make([]model.Friend, 0)
	for rows.Next() {
		var f model.Friend
		if err := rows.Scan(
			&f.Edge.OwnerKey, &f.Edge.FriendKey, &f.Edge.Excluded, &f.Edge.CreatedAt, &f.Edge.UpdatedAt,
			&f.Identity.ID, &f.Identity.Key, &f.Identity.Provider, &f.Identity.Email,
			&f.Identity.DisplayName, &f.Identity.AvatarURL, &f.Identity.CreatedAt, &f.Identity.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan friend edge: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list friend edges %s: %w", ownerKey, err)
	}
	return result, nil
}

// ListFriendKeys returns every friend key of the owner, known identity or not.
func (p *Postgres) ListFriendKeys(ctx context.Context, ownerKey string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT friend_key FROM friend_edges WHERE owner_key = $1 ORDER BY friend_key`, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("list friend keys %s: %w", ownerKey, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list friend keys %s: %w", ownerKey, err)
	}
	return keys, nil
}

func (p *Postgres) EnsureFriendshipEdge(ctx context.Context, ownerKey, friendKey string, nowMillis int64) (bool, error) {
	if ownerKey == "" || friendKey == "" {
		return false, ErrMissingKey
	}
	if ownerKey == friendKey {
		return false, ErrSelfFriendship
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO friend_edges (owner_key, friend_key, excluded, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $3)
		ON CONFLICT (owner_key, friend_key) DO NOTHING`,
		ownerKey, friendKey, nowMillis,
	)
	if err != nil {
		return false, fmt.Errorf("ensure friend edge %s->%s: %w", ownerKey, friendKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) SetExclusion(ctx context.Context, ownerKey, friendKey string, excluded bool, nowMillis int64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE friend_edges SET excluded = $3, updated_at = $4
		WHERE owner_key = $1 AND friend_key = $2`,
		ownerKey, friendKey, excluded, nowMillis,
	)
	if err != nil {
		return false, fmt.Errorf("set exclusion %s->%s: %w", ownerKey, friendKey, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) EnsureVideo(ctx context.Context, contentID, url, title string, nowMillis int64) (model.Video, error) {
	if contentID == "" {
		return model.Video{}, ErrMissingVideo
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	var v model.Video
	err := p.pool.QueryRow(ctx, `
		INSERT INTO videos (content_id, url, title, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (content_id) DO UPDATE SET content_id = EXCLUDED.content_id
		RETURNING id, content_id, url, title, created_at`,
		contentID, url, title, nowMillis,
	).Scan(&v.ID, &v.ContentID, &v.URL, &v.Title, &v.CreatedAt)
	if err != nil {
		return model.Video{}, fmt.Errorf("ensure video %s: %w", contentID, err)
	}
	return v, nil
}

func (p *Postgres) EnsureWatch(ctx context.Context, identityID, videoID int64, nowMillis int64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO identity_videos (identity_id, video_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id, video_id) DO NOTHING`,
		identityID, videoID, nowMillis,
	)
	if err != nil {
		return false, fmt.Errorf("ensure watch %d/%d: %w", identityID, videoID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ListWatches(ctx context.Context, identityID int64) ([]model.Watch, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT identity_id, video_id, created_at FROM identity_videos
		WHERE identity_id = $1 ORDER BY video_id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list watches %d: %w", identityID, err)
	}
	defer rows.Close()

	result := make([]model.Watch, 0)
	for rows.Next() {
		var w model.Watch
		if err := rows.Scan(&w.IdentityID, &w.VideoID, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}
