package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id            TEXT NOT NULL UNIQUE,
    created_at           TEXT NOT NULL,
    actor                TEXT,
    branch               TEXT NOT NULL,
    commit_id            TEXT,
    provider             TEXT NOT NULL DEFAULT '',
    model_id             TEXT NOT NULL,
    endpoint             TEXT NOT NULL DEFAULT '',
    prompt_tokens        INTEGER NOT NULL CHECK (prompt_tokens >= 0),
    completion_tokens    INTEGER NOT NULL CHECK (completion_tokens >= 0),
    total_tokens         INTEGER NOT NULL,
    CHECK (total_tokens = prompt_tokens + completion_tokens)
);

CREATE TABLE IF NOT EXISTS merge_summaries (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    commit_id            TEXT NOT NULL UNIQUE,
    merge_time           TEXT NOT NULL,
    source_branch        TEXT NOT NULL,
    target_branch        TEXT NOT NULL DEFAULT '',
    merged_by            TEXT NOT NULL DEFAULT '',
    calls                INTEGER NOT NULL,
    total_tokens         INTEGER NOT NULL,
    total_cost           REAL NOT NULL,
    cumulative_tokens    INTEGER NOT NULL,
    cumulative_cost      REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS merge_summary_models (
    summary_id           INTEGER NOT NULL REFERENCES merge_summaries(id) ON DELETE CASCADE,
    model                TEXT NOT NULL,
    provider             TEXT NOT NULL DEFAULT '',
    calls                INTEGER NOT NULL,
    prompt_tokens        INTEGER NOT NULL,
    completion_tokens    INTEGER NOT NULL,
    total_tokens         INTEGER NOT NULL,
    cost                 REAL NOT NULL,
    cost_known           INTEGER NOT NULL,
    PRIMARY KEY (summary_id, model)
);

CREATE INDEX IF NOT EXISTS idx_usage_branch_time ON usage_records(branch, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
CREATE INDEX IF NOT EXISTS idx_summaries_time ON merge_summaries(merge_time);
CREATE INDEX IF NOT EXISTS idx_summaries_branch ON merge_summaries(source_branch);
`
