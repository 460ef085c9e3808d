package local

// Schema contains the SQL statements to create the object metadata schema.
// Object content lives in flat data files; this table carries everything
// else, including the generation counters and download tokens.
const Schema = `
-- Objects table: one row per live object
CREATE TABLE IF NOT EXISTS objects (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    bucket              TEXT NOT NULL,
    name                TEXT NOT NULL,
    data_file           TEXT NOT NULL,
    size                INTEGER NOT NULL,
    md5                 BLOB,
    cache_control       TEXT,
    content_disposition TEXT,
    content_encoding    TEXT,
    content_language    TEXT,
    content_type        TEXT,
    custom_metadata     TEXT,
    download_token      TEXT NOT NULL,
    generation          INTEGER NOT NULL DEFAULT 1,
    metageneration      INTEGER NOT NULL DEFAULT 1,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL,
    UNIQUE (bucket, name)
);

-- Indexes for performance
CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket);
CREATE INDEX IF NOT EXISTS idx_objects_name ON objects(bucket, name);
`

// dataDirName is the subdirectory of the store root holding object content.
const dataDirName = "data"

// dbFileName is the SQLite database file inside the store root.
const dbFileName = "objects.db"
