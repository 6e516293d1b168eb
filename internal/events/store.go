package events

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/albachteng/trailsync/internal/jobs"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

const tableName = "ali_event"

// existsBatch caps the number of ids per IN clause.
const existsBatch = 500

var (
	ErrDuplicate = errors.Mark(errors.New("event already stored"), jobs.ErrRecordConflict)
	ErrOversize  = errors.Mark(errors.New("user agent exceeds 255 characters"), jobs.ErrRecordConflict)
)

type Config struct {
	Driver  string
	Path    string
	Host    string
	Port    int
	User    string
	Auth    string
	Name    string
	Charset string
}

// DSN renders the driver-specific data source name.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case "", DriverSQLite:
		if c.Path == "" {
			return "", errors.Wrap(jobs.ErrConfig, "database.path is required for sqlite3")
		}
		return c.Path + "?_busy_timeout=5000", nil
	case DriverMySQL:
		if c.Host == "" || c.Name == "" {
			return "", errors.Wrap(jobs.ErrConfig, "database.host and database.name are required for mysql")
		}
		port := c.Port
		if port == 0 {
			port = 3306
		}
		charset := c.Charset
		if charset == "" {
			charset = "utf8mb4"
		}

		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Auth
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
		mc.DBName = c.Name
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.Params = map[string]string{"charset": charset}
		return mc.FormatDSN(), nil
	default:
		return "", errors.Wrapf(jobs.ErrConfig, "unsupported database driver %q", c.Driver)
	}
}

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured database. The schema is not created; see CreateSchema.
func Open(cfg Config) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open event database")
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	return NewStore(db, driver), nil
}

// NewStore wraps an existing handle.
func NewStore(db *sql.DB, driver string) *Store {
	if driver == "" {
		driver = DriverSQLite
	}
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) createTableSQL() string {
	ddl := `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		name VARCHAR(64),
		source VARCHAR(255),
		request_time DATETIME NOT NULL,
		type VARCHAR(255),
		version VARCHAR(255),
		err_code VARCHAR(255),
		err_msg TEXT,
		request_id VARCHAR(64) NOT NULL DEFAULT '',
		request_param TEXT,
		service_name VARCHAR(64),
		source_ip CHAR(64),
		user_agent VARCHAR(255),
		identity TEXT,
		created_by CHAR(128) NOT NULL DEFAULT 'unknown'
	)`
	if s.driver == DriverMySQL {
		ddl += ` ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	}
	return ddl
}

func (s *Store) CreateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.createTableSQL()); err != nil {
		return errors.Wrap(err, "create event table")
	}
	return nil
}

// RecreateSchema drops every stored event.
func (s *Store) RecreateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+tableName); err != nil {
		return errors.Wrap(err, "drop event table")
	}
	return s.CreateSchema(ctx)
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tableName+` WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "check event %s", id)
	}
	return n > 0, nil
}

// ExistingIDs returns the subset of ids already stored.
func (s *Store) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for start := 0; start < len(ids); start += existsBatch {
		end := min(start+existsBatch, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT id FROM ` + tableName + ` WHERE id IN (?` + strings.Repeat(", ?", len(chunk)-1) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, errors.Wrap(err, "query existing event ids")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, errors.Wrap(err, "scan event id")
			}
			found[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "query existing event ids")
		}
	}
	return found, nil
}

const recordColumns = `id, name, source, request_time, type, version, err_code, err_msg,
	request_id, request_param, service_name, source_ip, user_agent, identity, created_by`

// Insert stores one record. Known ids fail with ErrDuplicate and long user
// agents with ErrOversize; both are jobs.ErrRecordConflict.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	if r.Oversized() {
		return errors.Wrapf(ErrOversize, "event %s", r.ID)
	}

	createdBy := r.CreatedBy
	if createdBy == "" {
		createdBy = DefaultCreatedBy
	}

	query := `INSERT INTO ` + tableName + ` (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.Name,
		nullString(r.Source),
		r.RequestTime.UTC(),
		r.Type,
		r.Version,
		nullString(r.ErrCode),
		nullString(r.ErrMsg),
		r.RequestID,
		nullString(string(r.RequestParam)),
		r.ServiceName,
		r.SourceIP,
		nullString(r.UserAgent),
		nullString(string(r.Identity)),
		createdBy,
	)
	if err != nil {
		if s.isDuplicate(err) {
			return errors.Wrapf(ErrDuplicate, "event %s", r.ID)
		}
		return errors.Wrapf(err, "insert event %s", r.ID)
	}
	return nil
}

func (s *Store) isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tableName).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count events")
	}
	return n, nil
}

type ListOptions struct {
	Limit       int
	Offset      int
	ServiceName string
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT ` + recordColumns + ` FROM ` + tableName
	var args []any
	if opts.ServiceName != "" {
		query += ` WHERE service_name = ?`
		args = append(args, opts.ServiceName)
	}
	query += ` ORDER BY request_time DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer func() {
		_ = rows.Close() //nolint:errcheck
	}()

	var records []*Record
	for rows.Next() {
		var (
			r                                  Record
			source, errCode, errMsg, userAgent sql.NullString
			requestParam, identity             sql.NullString
		)
		err := rows.Scan(
			&r.ID,
			&r.Name,
			&source,
			&r.RequestTime,
			&r.Type,
			&r.Version,
			&errCode,
			&errMsg,
			&r.RequestID,
			&requestParam,
			&r.ServiceName,
			&r.SourceIP,
			&userAgent,
			&identity,
			&r.CreatedBy,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		r.Source = source.String
		r.ErrCode = errCode.String
		r.ErrMsg = errMsg.String
		r.UserAgent = userAgent.String
		if requestParam.Valid {
			r.RequestParam = []byte(requestParam.String)
		}
		if identity.Valid {
			r.Identity = []byte(identity.String)
		}
		r.RequestTime = r.RequestTime.UTC()
		records = append(records, &r)
	}
	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
