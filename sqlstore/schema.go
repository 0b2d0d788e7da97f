package sqlstore

// Key columns are bounded in MySQL so composite indexes stay under the
// InnoDB key length limit.

var sqliteSchemas = []string{
	`CREATE TABLE IF NOT EXISTS insts (
		record_name TEXT NOT NULL,
		inst TEXT NOT NULL,
		markers BLOB,
		subscription_id TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT '',
		subscription_type TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (record_name, inst)
	)`,
	`CREATE TABLE IF NOT EXISTS branches (
		record_name TEXT NOT NULL,
		inst TEXT NOT NULL,
		branch TEXT NOT NULL,
		temporary INTEGER NOT NULL DEFAULT 0,
		size_in_bytes INTEGER NOT NULL DEFAULT 0,
		flushed_generation INTEGER NOT NULL DEFAULT -1,
		last_merge_ts INTEGER,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (record_name, inst, branch)
	)`,
	`CREATE TABLE IF NOT EXISTS branch_updates (
		record_name TEXT NOT NULL,
		inst TEXT NOT NULL,
		branch TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (record_name, inst, branch, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS branch_update_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_name TEXT NOT NULL,
		inst TEXT NOT NULL,
		branch TEXT NOT NULL,
		ts INTEGER NOT NULL,
		hash INTEGER NOT NULL,
		payload BLOB NOT NULL,
		UNIQUE (record_name, inst, branch, ts, hash)
	)`,
}

var mysqlSchemas = []string{
	`CREATE TABLE IF NOT EXISTS insts (
		record_name VARCHAR(190) NOT NULL,
		inst VARCHAR(190) NOT NULL,
		markers BLOB,
		subscription_id VARCHAR(255) NOT NULL DEFAULT '',
		subscription_status VARCHAR(64) NOT NULL DEFAULT '',
		subscription_type VARCHAR(64) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (record_name, inst)
	)`,
	`CREATE TABLE IF NOT EXISTS branches (
		record_name VARCHAR(190) NOT NULL,
		inst VARCHAR(190) NOT NULL,
		branch VARCHAR(190) NOT NULL,
		temporary TINYINT(1) NOT NULL DEFAULT 0,
		size_in_bytes BIGINT NOT NULL DEFAULT 0,
		flushed_generation BIGINT NOT NULL DEFAULT -1,
		last_merge_ts BIGINT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (record_name, inst, branch)
	)`,
	`CREATE TABLE IF NOT EXISTS branch_updates (
		record_name VARCHAR(190) NOT NULL,
		inst VARCHAR(190) NOT NULL,
		branch VARCHAR(190) NOT NULL,
		seq BIGINT NOT NULL,
		ts BIGINT NOT NULL,
		payload LONGBLOB NOT NULL,
		PRIMARY KEY (record_name, inst, branch, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS branch_update_history (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		record_name VARCHAR(190) NOT NULL,
		inst VARCHAR(190) NOT NULL,
		branch VARCHAR(190) NOT NULL,
		ts BIGINT NOT NULL,
		hash BIGINT NOT NULL,
		payload LONGBLOB NOT NULL,
		UNIQUE KEY uq_history (record_name, inst, branch, ts, hash)
	)`,
}
