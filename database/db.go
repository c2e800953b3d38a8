package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cobaltgraph/cobaltgraph/consensus"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	zlog "github.com/cobaltgraph/cobaltgraph/logger"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPath is where the store lives unless configured otherwise
const DefaultPath = "database/cobaltgraph.db"

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts REAL NOT NULL,
	src_ip TEXT,
	src_port INT,
	dst_ip TEXT NOT NULL,
	dst_port INT,
	protocol TEXT,
	src_mac TEXT,
	dst_mac TEXT,
	mode TEXT,
	country_code TEXT,
	country_name TEXT,
	lat REAL,
	lon REAL,
	asn INT,
	as_org TEXT,
	vt_positives INT,
	vt_total INT,
	abuseipdb_score INT,
	is_known_malicious INT,
	consensus_score REAL,
	confidence REAL,
	high_uncertainty INT,
	enrichment_partial INT
);

CREATE TABLE IF NOT EXISTS consensus_assessments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts REAL NOT NULL,
	dst_ip TEXT NOT NULL,
	dst_port INT,
	consensus_score REAL,
	confidence REAL,
	high_uncertainty INT,
	num_scorers INT,
	num_outliers INT,
	method TEXT,
	votes_json TEXT,
	outliers_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_connections_ts ON connections (ts DESC);
CREATE INDEX IF NOT EXISTS idx_connections_dst_ip ON connections (dst_ip);
CREATE INDEX IF NOT EXISTS idx_connections_src_mac_ts ON connections (src_mac, ts);
CREATE INDEX IF NOT EXISTS idx_assessments_dst_ip_ts ON consensus_assessments (dst_ip, ts DESC);
`

// DB is the embedded append-only store for connections and consensus
// assessments. All writes flow through the single Writer task; reads are
// snapshot-consistent under SQLite's WAL mode.
type DB struct {
	conn *sql.DB
	path string
}

// OpenDB opens (creating if necessary) the store at the given path. The
// schema is created on first open; there are no implicit migrations.
func OpenDB(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("unable to create database directory: %w", err)
		}
	}

	// WAL keeps the dashboard's reads from blocking the writer task
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database at %s: %w", path, err)
	}

	// a single connection serializes all writes at the driver level; the
	// Writer task is the only writer by design
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to reach database at %s: %w", path, err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to create schema: %w", err)
	}

	dbLogger := zlog.GetLogger()
	dbLogger.Debug().Str("path", path).Msg("database open")
	return &DB{conn: conn, path: path}, nil
}

// AppendRecord writes the connection row and its assessment row in one
// transaction: either both commit or neither.
func (db *DB) AppendRecord(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := appendConnection(tx, enriched, assessment); err != nil {
		return err
	}
	if err := appendAssessment(tx, assessment); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit record: %w", err)
	}
	return nil
}

func appendConnection(tx *sql.Tx, enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) error {
	var countryCode, countryName, asOrg string
	var lat, lon float64
	var asn int
	if enriched.Geo != nil {
		countryCode = enriched.Geo.CountryCode
		countryName = enriched.Geo.CountryName
		lat = enriched.Geo.Lat
		lon = enriched.Geo.Lon
		asn = enriched.Geo.ASN
		asOrg = enriched.Geo.ASOrg
	}

	var vtPositives, vtTotal, abuseScore int
	var knownMalicious bool
	if enriched.Reputation != nil {
		vtPositives = enriched.Reputation.VTPositives
		vtTotal = enriched.Reputation.VTTotal
		abuseScore = enriched.Reputation.AbuseIPDBScore
		knownMalicious = enriched.Reputation.IsKnownMalicious
	}

	_, err := tx.Exec(`
		INSERT INTO connections (
			ts, src_ip, src_port, dst_ip, dst_port, protocol, src_mac, dst_mac, mode,
			country_code, country_name, lat, lon, asn, as_org,
			vt_positives, vt_total, abuseipdb_score, is_known_malicious,
			consensus_score, confidence, high_uncertainty, enrichment_partial
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		enriched.Timestamp, enriched.SrcIP, enriched.SrcPort, enriched.DstIP, enriched.DstPort,
		enriched.Protocol, enriched.SrcMAC, enriched.DstMAC, enriched.Mode,
		countryCode, countryName, lat, lon, asn, asOrg,
		vtPositives, vtTotal, abuseScore, knownMalicious,
		assessment.ConsensusScore, assessment.Confidence, assessment.HighUncertainty,
		enriched.EnrichmentPartial,
	)
	if err != nil {
		return fmt.Errorf("unable to insert connection row: %w", err)
	}
	return nil
}

func appendAssessment(tx *sql.Tx, assessment *consensus.Assessment) error {
	votesJSON, err := json.Marshal(assessment.Votes)
	if err != nil {
		return fmt.Errorf("unable to serialize votes: %w", err)
	}
	outliersJSON, err := json.Marshal(assessment.Outliers)
	if err != nil {
		return fmt.Errorf("unable to serialize outliers: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO consensus_assessments (
			ts, dst_ip, dst_port, consensus_score, confidence, high_uncertainty,
			num_scorers, num_outliers, method, votes_json, outliers_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		assessment.Timestamp, assessment.DstIP, assessment.DstPort,
		assessment.ConsensusScore, assessment.Confidence, assessment.HighUncertainty,
		assessment.NumScorers, assessment.NumOutliers, assessment.Method,
		string(votesJSON), string(outliersJSON),
	)
	if err != nil {
		return fmt.Errorf("unable to insert assessment row: %w", err)
	}
	return nil
}

// ConnectionRow is one stored connection outcome, as read back for the
// dashboard and the view command
type ConnectionRow struct {
	Timestamp        float64
	SrcIP            string
	SrcPort          int
	DstIP            string
	DstPort          int
	Protocol         string
	Mode             string
	CountryCode      string
	ASN              int
	ASOrg            string
	IsKnownMalicious bool
	ConsensusScore   float64
	Confidence       float64
	HighUncertainty  bool
}

// RecentConnections returns the newest stored connection outcomes, newest
// first
func (db *DB) RecentConnections(limit int) ([]ConnectionRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(`
		SELECT ts, src_ip, src_port, dst_ip, dst_port, protocol, mode,
			country_code, asn, as_org, is_known_malicious,
			consensus_score, confidence, high_uncertainty
		FROM connections ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query connections: %w", err)
	}
	defer rows.Close()

	var results []ConnectionRow
	for rows.Next() {
		var row ConnectionRow
		if err := rows.Scan(
			&row.Timestamp, &row.SrcIP, &row.SrcPort, &row.DstIP, &row.DstPort,
			&row.Protocol, &row.Mode, &row.CountryCode, &row.ASN, &row.ASOrg,
			&row.IsKnownMalicious, &row.ConsensusScore, &row.Confidence, &row.HighUncertainty,
		); err != nil {
			return nil, fmt.Errorf("unable to scan connection row: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// AssessmentsForDestination returns the stored assessments for one
// destination in timestamp order
func (db *DB) AssessmentsForDestination(dstIP string) ([]consensus.Assessment, error) {
	rows, err := db.conn.Query(`
		SELECT ts, dst_ip, dst_port, consensus_score, confidence, high_uncertainty,
			num_scorers, num_outliers, method, votes_json, outliers_json
		FROM consensus_assessments WHERE dst_ip = ? ORDER BY ts ASC, id ASC`, dstIP)
	if err != nil {
		return nil, fmt.Errorf("unable to query assessments: %w", err)
	}
	defer rows.Close()

	var results []consensus.Assessment
	for rows.Next() {
		var a consensus.Assessment
		var votesJSON, outliersJSON string
		if err := rows.Scan(
			&a.Timestamp, &a.DstIP, &a.DstPort, &a.ConsensusScore, &a.Confidence,
			&a.HighUncertainty, &a.NumScorers, &a.NumOutliers, &a.Method,
			&votesJSON, &outliersJSON,
		); err != nil {
			return nil, fmt.Errorf("unable to scan assessment row: %w", err)
		}
		if err := json.Unmarshal([]byte(votesJSON), &a.Votes); err != nil {
			return nil, fmt.Errorf("unable to parse stored votes: %w", err)
		}
		if err := json.Unmarshal([]byte(outliersJSON), &a.Outliers); err != nil {
			return nil, fmt.Errorf("unable to parse stored outliers: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// Close releases the underlying handle
func (db *DB) Close() error {
	return db.conn.Close()
}
