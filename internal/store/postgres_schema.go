package store

// schemaStatements are applied in order on every start; each is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		id           BIGSERIAL PRIMARY KEY,
		key          TEXT NOT NULL UNIQUE,
		provider     TEXT NOT NULL DEFAULT '',
		email        TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url   TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS friend_edges (
		id         BIGSERIAL PRIMARY KEY,
		owner_key  TEXT NOT NULL,
		friend_key TEXT NOT NULL,
		excluded   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (owner_key, friend_key)
	)`,
	`CREATE INDEX IF NOT EXISTS friend_edges_friend_key_idx ON friend_edges (friend_key)`,
	`CREATE TABLE IF NOT EXISTS videos (
		id         BIGSERIAL PRIMARY KEY,
		content_id TEXT NOT NULL UNIQUE,
		url        TEXT NOT NULL,
		title      TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS identity_videos (
		id          BIGSERIAL PRIMARY KEY,
		identity_id BIGINT NOT NULL REFERENCES identities (id) ON DELETE CASCADE,
		video_id    BIGINT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		created_at  BIGINT NOT NULL,
		UNIQUE (identity_id, video_id)
	)`,
}
