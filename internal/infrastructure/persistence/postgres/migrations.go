package postgres

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_progress", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_voice_sessions", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_moderation", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS member_progress (
    user_id BIGINT NOT NULL,
    guild_id BIGINT NOT NULL,
    level INTEGER NOT NULL DEFAULT 1,
    exp BIGINT NOT NULL DEFAULT 0,
    total_exp BIGINT NOT NULL DEFAULT 0,
    points BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (guild_id, user_id),
    CONSTRAINT valid_level CHECK (level >= 1),
    CONSTRAINT valid_exp CHECK (exp >= 0),
    CONSTRAINT valid_total_exp CHECK (total_exp >= 0),
    CONSTRAINT valid_points CHECK (points >= 0)
);

CREATE INDEX IF NOT EXISTS idx_progress_guild_points ON member_progress(guild_id, points DESC);
CREATE INDEX IF NOT EXISTS idx_progress_guild_total ON member_progress(guild_id, total_exp DESC);
`

const migration001Down = `
DROP TABLE IF EXISTS member_progress;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE VOICE SESSIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL,
    guild_id BIGINT NOT NULL,
    channel_id BIGINT NOT NULL,
    joined_at TIMESTAMP WITH TIME ZONE NOT NULL,
    left_at TIMESTAMP WITH TIME ZONE,
    exp_earned BIGINT NOT NULL DEFAULT 0,
    end_reason VARCHAR(20)
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_member ON voice_sessions(guild_id, user_id, joined_at DESC);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_open ON voice_sessions(joined_at) WHERE left_at IS NULL;

CREATE TABLE IF NOT EXISTS voice_exclusions (
    guild_id BIGINT NOT NULL,
    user_id BIGINT NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    PRIMARY KEY (guild_id, user_id)
);
`

const migration002Down = `
DROP TABLE IF EXISTS voice_exclusions;
DROP TABLE IF EXISTS voice_sessions;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CREATE MODERATION
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS warnings (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    guild_id BIGINT NOT NULL,
    reason TEXT NOT NULL,
    issued_by BIGINT NOT NULL DEFAULT 0,
    issued_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_warnings_member ON warnings(guild_id, user_id, id DESC);
`

const migration003Down = `
DROP TABLE IF EXISTS warnings;
`
