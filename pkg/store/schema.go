package store

// schema is the PostgreSQL DDL. It sticks to the dialect subset sqlite
// also accepts so the tests can run Init against an in-memory database.
const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	service_name TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'inactive',
	oauth_status TEXT NOT NULL DEFAULT 'n/a',
	client_id TEXT,
	client_secret TEXT,
	encrypted_credential_blob TEXT,
	access_token TEXT,
	refresh_token TEXT,
	token_expires_at TIMESTAMPTZ,
	config_json TEXT,
	pid INTEGER,
	port INTEGER,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_instances_user ON instances (user_id);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances (status);

CREATE TABLE IF NOT EXISTS user_plans (
	user_id TEXT PRIMARY KEY,
	plan_type TEXT NOT NULL DEFAULT 'free',
	payment_status TEXT NOT NULL DEFAULT 'none',
	subscription_id TEXT,
	customer_id TEXT,
	max_instances INTEGER NOT NULL DEFAULT 2,
	features TEXT,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_plans_subscription ON user_plans (subscription_id);

CREATE TABLE IF NOT EXISTS webhook_events (
	external_event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	gateway TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS credential_audit (
	id TEXT PRIMARY KEY,
	instance_id TEXT,
	user_id TEXT,
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	metadata TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credential_audit_instance ON credential_audit (instance_id);
`
