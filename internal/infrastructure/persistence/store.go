package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/pharmalens/backend/config"
	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/platform/logger"
)

// Backend names reported by Store.Backend
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// defaultIncrement is the corroboration step until SetIncrement is called
const defaultIncrement = 10

// Store is the gorm implementation of domain.RecordStore. The same models and
// upsert statements run on PostgreSQL and SQLite.
type Store struct {
	db        *gorm.DB
	backend   string
	increment int
	log       *logger.Logger
}

// Open chooses the backend once: PostgreSQL when cfg.URL is set, otherwise the
// embedded SQLite file at cfg.SQLitePath. The schema is migrated before
// returning.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}

	gormCfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   newGormLogger(cfg.SlowThreshold),
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	}

	var (
		dialector gorm.Dialector
		backend   string
	)
	if cfg.URL != "" {
		dialector = postgres.Open(cfg.URL)
		backend = BackendPostgres
	} else {
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("%w: no database url or sqlite path", domain.ErrPersistenceUnavailable)
		}
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: create sqlite directory: %v", domain.ErrPersistenceUnavailable, err)
			}
		}
		dialector = sqlite.Open(sqliteDSN(cfg.SQLitePath))
		backend = BackendSQLite
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", domain.ErrPersistenceUnavailable, backend, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
	}
	if backend == BackendSQLite {
		// A single connection serializes writers
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	s := &Store{
		db:        db,
		backend:   backend,
		increment: defaultIncrement,
		log:       log.With("service", "RecordStore", "backend", backend),
	}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	s.log.Info("record store ready")
	return s, nil
}

func sqliteDSN(path string) string {
	return path + "?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL"
}

func newGormLogger(slow time.Duration) gormLogger.Interface {
	if slow <= 0 {
		slow = time.Second
	}
	return gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             slow,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func (s *Store) migrate() error {
	s.log.Debug("auto migrating record tables")
	if err := s.db.AutoMigrate(&BuyerRecord{}, &ManufacturerRecord{}, &RecordSource{}); err != nil {
		return fmt.Errorf("%w: migrate: %v", domain.ErrPersistenceUnavailable, err)
	}
	return nil
}

// Backend names the active backend
func (s *Store) Backend() string {
	return s.backend
}

// SetIncrement sets the corroboration step used when confidence is
// recomputed from stored provenance. Call it before the first write.
func (s *Store) SetIncrement(n int) {
	if n > 0 {
		s.increment = n
	}
}

// DB exposes the underlying connection for tests and maintenance commands
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return translateError(err)
	}
	return translateError(sqlDB.PingContext(ctx))
}

// Close releases the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.log.Info("closing record store")
	return sqlDB.Close()
}

// Upsert writes one record
func (s *Store) Upsert(ctx context.Context, record domain.MergedRecord) error {
	return s.UpsertBatch(ctx, []domain.MergedRecord{record})
}

// UpsertBatch writes all records in one transaction. Each row goes through a
// single INSERT .. ON CONFLICT DO UPDATE: confidence only rises, populated
// attributes are kept, and provenance keeps the highest contribution per
// source.
func (s *Store) UpsertBatch(ctx context.Context, records []domain.MergedRecord) error {
	if len(records) == 0 {
		return nil
	}

	var (
		buyers        []BuyerRecord
		manufacturers []ManufacturerRecord
		sources       []RecordSource
	)
	for _, r := range records {
		switch r.Role {
		case domain.RoleBuyer:
			buyers = append(buyers, toBuyerRow(r))
		case domain.RoleManufacturer:
			manufacturers = append(manufacturers, toManufacturerRow(r))
		default:
			return fmt.Errorf("%w: record with unknown role %q", domain.ErrInvalidRequest, r.Role)
		}
		sources = append(sources, toSourceRows(r)...)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(buyers) > 0 {
			if err := tx.Clauses(recordConflict("buyer_records", "company",
				"api", "country", "company_key")).Create(&buyers).Error; err != nil {
				return err
			}
		}
		if len(manufacturers) > 0 {
			onConflict := recordConflict("manufacturer_records", "manufacturer",
				"api_name", "manufacturer_key", "country")
			onConflict.DoUpdates = append(onConflict.DoUpdates, clause.Assignment{
				Column: clause.Column{Name: "imported_at"},
				Value:  gorm.Expr("COALESCE(manufacturer_records.imported_at, excluded.imported_at)"),
			})
			if err := tx.Clauses(onConflict).Create(&manufacturers).Error; err != nil {
				return err
			}
		}
		if len(sources) > 0 {
			if err := tx.Clauses(sourceConflict()).Create(&sources).Error; err != nil {
				return err
			}
		}
		return s.recomputeConfidence(tx, records)
	})
	if err != nil {
		s.log.Warn("upsert failed", "records", len(records), "error", err)
		return translateError(err)
	}

	s.log.Debug("records upserted", "buyers", len(buyers), "manufacturers", len(manufacturers), "sources", len(sources))
	return nil
}

// recomputeConfidence raises every touched record to the corroboration score
// of its committed provenance: the strongest contribution plus the increment
// for each further source, capped at 100. The record row is locked by the
// upsert above, so a concurrent run that added another source is either
// already visible here or recomputes after this transaction commits.
func (s *Store) recomputeConfidence(tx *gorm.DB, records []domain.MergedRecord) error {
	seen := make(map[domain.Identity]bool, len(records))
	for _, r := range records {
		id := r.Identity()
		if seen[id] || len(r.Sources) == 0 {
			continue
		}
		seen[id] = true

		table, apiColumn, keyColumn := "buyer_records", "api", "company_key"
		if r.Role == domain.RoleManufacturer {
			table, apiColumn, keyColumn = "manufacturer_records", "api_name", "manufacturer_key"
		}
		score := fmt.Sprintf("(SELECT CASE WHEN MAX(contribution) + %[1]d * (COUNT(*) - 1) > 100 THEN 100 "+
			"ELSE MAX(contribution) + %[1]d * (COUNT(*) - 1) END FROM record_sources "+
			"WHERE role = ? AND api = ? AND country = ? AND company_key = ?)", s.increment)
		stmt := fmt.Sprintf("UPDATE %[1]s SET confidence = CASE WHEN %[2]s > confidence THEN %[2]s ELSE confidence END "+
			"WHERE %[3]s = ? AND country = ? AND %[4]s = ?", table, score, apiColumn, keyColumn)

		scoreArgs := []any{string(id.Role), id.API, id.Country, id.CompanyKey}
		args := append(append(append([]any{}, scoreArgs...), scoreArgs...), id.API, id.Country, id.CompanyKey)
		if err := tx.Exec(stmt, args...).Error; err != nil {
			return err
		}
	}
	return nil
}

// recordConflict builds the upsert clause of a record table: confidence
// ratchets, text columns fill only when empty, updated_at advances
func recordConflict(table, nameColumn string, identity ...string) clause.OnConflict {
	columns := make([]clause.Column, 0, len(identity))
	for _, c := range identity {
		columns = append(columns, clause.Column{Name: c})
	}

	set := clause.Set{
		{Column: clause.Column{Name: "confidence"}, Value: ratchet(table, "confidence")},
		{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
		{Column: clause.Column{Name: nameColumn}, Value: fillEmpty(table, nameColumn)},
		{Column: clause.Column{Name: "url"}, Value: fillEmpty(table, "url")},
		{Column: clause.Column{Name: "source_file"}, Value: fillEmpty(table, "source_file")},
	}
	for _, c := range attributeColumnNames {
		set = append(set, clause.Assignment{Column: clause.Column{Name: c}, Value: fillEmpty(table, c)})
	}

	return clause.OnConflict{Columns: columns, DoUpdates: set}
}

func sourceConflict() clause.OnConflict {
	const table = "record_sources"
	return clause.OnConflict{
		Columns: []clause.Column{
			{Name: "role"}, {Name: "api"}, {Name: "country"}, {Name: "company_key"}, {Name: "source"},
		},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "contribution"}, Value: ratchet(table, "contribution")},
			{Column: clause.Column{Name: "kind"}, Value: fillEmpty(table, "kind")},
			{Column: clause.Column{Name: "url"}, Value: fillEmpty(table, "url")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
		},
	}
}

func ratchet(table, column string) clause.Expr {
	return gorm.Expr(fmt.Sprintf(
		"CASE WHEN excluded.%[2]s > %[1]s.%[2]s THEN excluded.%[2]s ELSE %[1]s.%[2]s END",
		table, column))
}

func fillEmpty(table, column string) clause.Expr {
	return gorm.Expr(fmt.Sprintf(
		"CASE WHEN %[1]s.%[2]s = '' THEN excluded.%[2]s ELSE %[1]s.%[2]s END",
		table, column))
}

// Query returns the records of one role and api, optionally limited to a
// country, ordered by confidence then company key
func (s *Store) Query(ctx context.Context, role domain.Role, api, country string) ([]domain.MergedRecord, error) {
	db := s.db.WithContext(ctx)
	var out []domain.MergedRecord

	switch role {
	case domain.RoleBuyer:
		var rows []BuyerRecord
		q := db.Where("api = ?", api)
		if country != "" {
			q = q.Where("country = ?", country)
		}
		if err := q.Order("confidence DESC").Order("company_key ASC").Order("country ASC").Find(&rows).Error; err != nil {
			return nil, translateError(err)
		}
		out = make([]domain.MergedRecord, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.toDomain())
		}
	case domain.RoleManufacturer:
		var rows []ManufacturerRecord
		q := db.Where("api_name = ?", api)
		if country != "" {
			q = q.Where("country = ?", country)
		}
		if err := q.Order("confidence DESC").Order("manufacturer_key ASC").Order("country ASC").Find(&rows).Error; err != nil {
			return nil, translateError(err)
		}
		out = make([]domain.MergedRecord, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.toDomain())
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidRequest, role)
	}

	if len(out) == 0 {
		return out, nil
	}

	var provenance []RecordSource
	q := db.Where("role = ? AND api = ?", string(role), api)
	if country != "" {
		q = q.Where("country = ?", country)
	}
	if err := q.Find(&provenance).Error; err != nil {
		return nil, translateError(err)
	}

	idx := indexSources(provenance)
	for i := range out {
		idx.attach(&out[i])
	}
	return out, nil
}

// translateError maps driver errors onto the domain sentinels. Lock and
// serialization failures are conflicts the caller may retry.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || isRetryable(err) {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceConflict, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
