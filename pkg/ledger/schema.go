package ledger

// Timestamps persist as the canonical fixed-width UTC string so they sort
// lexicographically, survive both drivers unchanged, and reproduce seal
// signatures byte for byte. parameters and raw_manifest use JSON (not
// JSONB) columns: the stored bytes must stay exactly what was submitted.
const tableDDL = `
CREATE TABLE IF NOT EXISTS manifests (
    manifest_id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    user_id TEXT,
    provider TEXT NOT NULL,
    method TEXT NOT NULL,
    parameters JSON NOT NULL,
    reasoning TEXT NOT NULL,
    confidence_score DOUBLE PRECISION,
    environment TEXT NOT NULL,
    raw_manifest JSON NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS seals (
    seal_id TEXT PRIMARY KEY,
    manifest_id TEXT NOT NULL UNIQUE REFERENCES manifests(manifest_id),
    approved BOOLEAN NOT NULL,
    policy_version TEXT NOT NULL,
    denial_reason TEXT,
    signature TEXT NOT NULL,
    public_key TEXT NOT NULL,
    issued_at TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    was_executed BOOLEAN NOT NULL DEFAULT FALSE,
    executed_at TEXT
);

CREATE TABLE IF NOT EXISTS auth_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    agent_id TEXT,
    org_id TEXT,
    endpoint TEXT,
    ip TEXT,
    success BOOLEAN NOT NULL,
    failure_reason TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS organizations (
    org_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    contact_email TEXT NOT NULL,
    created_at TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS agents (
    agent_id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL REFERENCES organizations(org_id),
    name TEXT NOT NULL,
    description TEXT,
    api_key_hash TEXT,
    created_at TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE
);
`

const indexDDL = `
CREATE INDEX IF NOT EXISTS idx_manifests_agent_id ON manifests(agent_id);
CREATE INDEX IF NOT EXISTS idx_manifests_org_id ON manifests(org_id);
CREATE INDEX IF NOT EXISTS idx_manifests_created_at ON manifests(created_at);
CREATE INDEX IF NOT EXISTS idx_manifests_provider ON manifests(provider);
CREATE INDEX IF NOT EXISTS idx_manifests_environment ON manifests(environment);
CREATE INDEX IF NOT EXISTS idx_seals_manifest_id ON seals(manifest_id);
CREATE INDEX IF NOT EXISTS idx_seals_approved ON seals(approved);
CREATE INDEX IF NOT EXISTS idx_seals_issued_at ON seals(issued_at);
CREATE INDEX IF NOT EXISTS idx_agents_org_id ON agents(org_id);
`

const postgresTriggerDDL = `
CREATE OR REPLACE FUNCTION relay_block_mutation() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'relay: % rows are immutable', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION relay_seal_update_guard() RETURNS trigger AS $$
BEGIN
    IF NOT (OLD.was_executed = FALSE AND NEW.was_executed = TRUE
            AND OLD.executed_at IS NULL AND NEW.executed_at IS NOT NULL) THEN
        RAISE EXCEPTION 'relay: seals permit only the executed transition';
    END IF;
    IF (to_jsonb(OLD) - 'was_executed' - 'executed_at')
       <> (to_jsonb(NEW) - 'was_executed' - 'executed_at') THEN
        RAISE EXCEPTION 'relay: seal fields other than execution state are frozen';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION relay_active_update_guard() RETURNS trigger AS $$
BEGIN
    IF (to_jsonb(OLD) - 'active') <> (to_jsonb(NEW) - 'active') THEN
        RAISE EXCEPTION 'relay: % rows permit only the active flag to change', TG_TABLE_NAME;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS manifests_immutable ON manifests;
CREATE TRIGGER manifests_immutable
    BEFORE UPDATE OR DELETE ON manifests
    FOR EACH ROW EXECUTE FUNCTION relay_block_mutation();

DROP TRIGGER IF EXISTS auth_events_immutable ON auth_events;
CREATE TRIGGER auth_events_immutable
    BEFORE UPDATE OR DELETE ON auth_events
    FOR EACH ROW EXECUTE FUNCTION relay_block_mutation();

DROP TRIGGER IF EXISTS seals_no_delete ON seals;
CREATE TRIGGER seals_no_delete
    BEFORE DELETE ON seals
    FOR EACH ROW EXECUTE FUNCTION relay_block_mutation();

DROP TRIGGER IF EXISTS seals_update_guard ON seals;
CREATE TRIGGER seals_update_guard
    BEFORE UPDATE ON seals
    FOR EACH ROW EXECUTE FUNCTION relay_seal_update_guard();

DROP TRIGGER IF EXISTS organizations_no_delete ON organizations;
CREATE TRIGGER organizations_no_delete
    BEFORE DELETE ON organizations
    FOR EACH ROW EXECUTE FUNCTION relay_block_mutation();

DROP TRIGGER IF EXISTS organizations_update_guard ON organizations;
CREATE TRIGGER organizations_update_guard
    BEFORE UPDATE ON organizations
    FOR EACH ROW EXECUTE FUNCTION relay_active_update_guard();

DROP TRIGGER IF EXISTS agents_no_delete ON agents;
CREATE TRIGGER agents_no_delete
    BEFORE DELETE ON agents
    FOR EACH ROW EXECUTE FUNCTION relay_block_mutation();

DROP TRIGGER IF EXISTS agents_update_guard ON agents;
CREATE TRIGGER agents_update_guard
    BEFORE UPDATE ON agents
    FOR EACH ROW EXECUTE FUNCTION relay_active_update_guard();
`

const sqliteTriggerDDL = `
CREATE TRIGGER IF NOT EXISTS manifests_no_update BEFORE UPDATE ON manifests
BEGIN SELECT RAISE(ABORT, 'relay: manifests rows are immutable'); END;

CREATE TRIGGER IF NOT EXISTS manifests_no_delete BEFORE DELETE ON manifests
BEGIN SELECT RAISE(ABORT, 'relay: manifests rows are immutable'); END;

CREATE TRIGGER IF NOT EXISTS auth_events_no_update BEFORE UPDATE ON auth_events
BEGIN SELECT RAISE(ABORT, 'relay: auth_events rows are immutable'); END;

CREATE TRIGGER IF NOT EXISTS auth_events_no_delete BEFORE DELETE ON auth_events
BEGIN SELECT RAISE(ABORT, 'relay: auth_events rows are immutable'); END;

CREATE TRIGGER IF NOT EXISTS seals_no_delete BEFORE DELETE ON seals
BEGIN SELECT RAISE(ABORT, 'relay: seals cannot be deleted'); END;

CREATE TRIGGER IF NOT EXISTS seals_update_guard BEFORE UPDATE ON seals
WHEN NOT (OLD.was_executed = 0 AND NEW.was_executed = 1
    AND OLD.executed_at IS NULL AND NEW.executed_at IS NOT NULL
    AND NEW.seal_id = OLD.seal_id
    AND NEW.manifest_id = OLD.manifest_id
    AND NEW.approved = OLD.approved
    AND NEW.policy_version = OLD.policy_version
    AND NEW.denial_reason IS OLD.denial_reason
    AND NEW.signature = OLD.signature
    AND NEW.public_key = OLD.public_key
    AND NEW.issued_at = OLD.issued_at
    AND NEW.expires_at = OLD.expires_at)
BEGIN SELECT RAISE(ABORT, 'relay: seal fields other than execution state are frozen'); END;

CREATE TRIGGER IF NOT EXISTS organizations_no_delete BEFORE DELETE ON organizations
BEGIN SELECT RAISE(ABORT, 'relay: organizations cannot be deleted'); END;

CREATE TRIGGER IF NOT EXISTS organizations_update_guard BEFORE UPDATE ON organizations
WHEN NOT (NEW.org_id = OLD.org_id AND NEW.name = OLD.name
    AND NEW.contact_email = OLD.contact_email AND NEW.created_at = OLD.created_at)
BEGIN SELECT RAISE(ABORT, 'relay: organizations rows permit only the active flag to change'); END;

CREATE TRIGGER IF NOT EXISTS agents_no_delete BEFORE DELETE ON agents
BEGIN SELECT RAISE(ABORT, 'relay: agents cannot be deleted'); END;

CREATE TRIGGER IF NOT EXISTS agents_update_guard BEFORE UPDATE ON agents
WHEN NOT (NEW.agent_id = OLD.agent_id AND NEW.org_id = OLD.org_id
    AND NEW.name = OLD.name AND NEW.description IS OLD.description
    AND NEW.api_key_hash IS OLD.api_key_hash AND NEW.created_at = OLD.created_at)
BEGIN SELECT RAISE(ABORT, 'relay: agents rows permit only the active flag to change'); END;
`

func schemaFor(driver string) string {
	if driver == DriverPostgres {
		return tableDDL + indexDDL + postgresTriggerDDL
	}
	return tableDDL + indexDDL + sqliteTriggerDDL
}
