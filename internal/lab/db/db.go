package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	e "github.com/gartstein/avenue/internal/lab/errors"
	"github.com/gartstein/avenue/internal/lab/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store is the persistence contract of the lab schema. *Repository satisfies it.
type Store interface {
	Create(ctx context.Context, entity models.Entity) error
	SaveActor(ctx context.Context, actor *models.Actor) error
	Get(ctx context.Context, kind models.Kind, key models.Key) (models.Entity, error)
	Lock(ctx context.Context, kind models.Kind, key models.Key) (models.Entity, error)
	Load(ctx context.Context, kind models.Kind, key models.Key) (models.Entity, error)
	List(ctx context.Context, kind models.Kind, activeOnly bool) ([]models.Entity, error)
	Exists(ctx context.Context, kind models.Kind, key models.Key) (bool, error)
	Apply(ctx context.Context, entity models.Entity, fields models.Fields) ([]string, error)
	Save(ctx context.Context, entity models.Entity, columns []string) error
	Delete(ctx context.Context, kind models.Kind, key models.Key) error
	Dependents(ctx context.Context, kind models.Kind, key models.Key) ([]Dependent, error)
	References(ctx context.Context, entity models.Entity) ([]Reference, error)
	WithTransaction(ctx context.Context, fn func(store Store) error) error
	Close() error
}

// Dependent counts the records of one kind that reference a record through Column.
type Dependent struct {
	Kind   models.Kind
	Column string
	Count  int64
}

func (d Dependent) String() string {
	return fmt.Sprintf("%d %s(s) via %s", d.Count, d.Kind, d.Column)
}

// Reference is an outgoing reference of a record, read from its foreign-key column.
type Reference struct {
	models.Restriction
	Key models.Key
	// Missing is set when the column holds its zero value.
	Missing bool
}

type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

type Config struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Path is the SQLite database file or DSN.
	Path string
	// ConnectRetries bounds the reconnection attempts made while the
	// database is not yet reachable.
	ConnectRetries uint64
}

func (c *Config) dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case DriverPostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
		return postgres.Open(dsn), nil
	case DriverSQLite, "":
		return sqlite.Open(c.sqliteDSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// sqliteDSN turns on foreign key enforcement, which SQLite leaves off per
// connection, and makes transactions take the write lock at BEGIN so that
// concurrent check-then-write transactions serialize.
func (c *Config) sqliteDSN() string {
	path := c.Path
	if path == "" {
		path = "qclab.db"
	}
	var params []string
	if !strings.Contains(path, "_foreign_keys") {
		params = append(params, "_foreign_keys=on")
	}
	if !strings.Contains(path, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

func (c *Config) inMemory() bool {
	return strings.Contains(c.Path, ":memory:") || strings.Contains(c.Path, "mode=memory")
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		// Multi-statement writes run in explicit transactions; see WithTransaction.
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
	}
}

// NewRepository connects to the configured database, retrying while it is
// unreachable, and migrates the schema.
func NewRepository(ctx context.Context, cfg *Config, logger *zap.Logger) (*Repository, error) {
	logger = logger.Named("repository")
	dialector, err := cfg.dialector()
	if err != nil {
		return nil, err
	}

	var conn *gorm.DB
	attempt := 0
	connect := func() error {
		attempt++
		db, err := gorm.Open(dialector, gormConfig())
		if err != nil {
			logger.Warn("database connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		conn = db
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.inMemory() {
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		// Every connection to an in-memory database is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}

	repo := &Repository{db: conn, logger: logger}
	if err := repo.Migrate(ctx); err != nil {
		return nil, err
	}
	logger.Info("database ready", zap.String("driver", conn.Dialector.Name()), zap.Int("attempts", attempt))
	return repo, nil
}

// Migrate creates or updates every table, index and foreign key of the schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, entity models.Entity) error {
	result := r.db.WithContext(ctx).Omit(clause.Associations).Create(entity)
	if result.Error != nil {
		return translateWriteError(result.Error, entity)
	}
	return nil
}

// SaveActor inserts the actor or refreshes its username.
func (r *Repository) SaveActor(ctx context.Context, actor *models.Actor) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username"}),
	}).Create(actor)
	return result.Error
}

func (r *Repository) Get(ctx context.Context, kind models.Kind, key models.Key) (models.Entity, error) {
	return r.find(ctx, r.db.WithContext(ctx), kind, key)
}

// Lock reads the record and, where the database supports it, holds a row
// lock on it until the surrounding transaction ends.
func (r *Repository) Lock(ctx context.Context, kind models.Kind, key models.Key) (models.Entity, error) {
	tx := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == DriverPostgres {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.find(ctx, tx, kind, key)
}

// Load reads the record together with the records it references.
func (r *Repository) Load(ctx context.Context, kind models.Kind, key models.Key) (models.Entity, error) {
	return r.find(ctx, r.db.WithContext(ctx).Preload(clause.Associations), kind, key)
}

func (r *Repository) find(ctx context.Context, tx *gorm.DB, kind models.Kind, key models.Key) (models.Entity, error) {
	info, err := models.Lookup(kind)
	if err != nil {
		return nil, err
	}
	entity := info.New()
	pk, err := r.primaryField(entity)
	if err != nil {
		return nil, err
	}
	value, err := keyValue(pk, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s", e.ErrNotFound, kind, key)
	}

	result := tx.Where(clause.Eq{Column: clause.Column{Name: pk.DBName}, Value: value}).First(entity)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s %s", e.ErrNotFound, kind, key)
		}
		return nil, result.Error
	}
	return entity, nil
}

// List returns every record of kind in key order. With activeOnly, retired
// records are left out.
func (r *Repository) List(ctx context.Context, kind models.Kind, activeOnly bool) ([]models.Entity, error) {
	info, err := models.Lookup(kind)
	if err != nil {
		return nil, err
	}
	sample := info.New()
	pk, err := r.primaryField(sample)
	if err != nil {
		return nil, err
	}

	query := r.db.WithContext(ctx).Model(sample).Order(clause.OrderByColumn{Column: clause.Column{Name: pk.DBName}})
	if activeOnly && info.RetireFlag != "" {
		query = query.Where(clause.Eq{Column: clause.Column{Name: info.RetireFlag}, Value: true})
	}

	records := reflect.New(reflect.SliceOf(reflect.TypeOf(sample)))
	if err := query.Find(records.Interface()).Error; err != nil {
		return nil, err
	}
	slice := records.Elem()
	out := make([]models.Entity, 0, slice.Len())
	for i := 0; i < slice.Len(); i++ {
		out = append(out, slice.Index(i).Interface().(models.Entity))
	}
	return out, nil
}

func (r *Repository) Exists(ctx context.Context, kind models.Kind, key models.Key) (bool, error) {
	info, err := models.Lookup(kind)
	if err != nil {
		return false, err
	}
	model := info.New()
	pk, err := r.primaryField(model)
	if err != nil {
		return false, err
	}
	value, err := keyValue(pk, key)
	if err != nil {
		return false, nil
	}

	var count int64
	result := r.db.WithContext(ctx).Model(model).
		Where(clause.Eq{Column: clause.Column{Name: pk.DBName}, Value: value}).
		Limit(1).
		Count(&count)
	return count > 0, result.Error
}

// Apply assigns fields, keyed by column name, to entity in memory and returns
// the columns it touched. Primary keys and create-only columns are rejected.
func (r *Repository) Apply(ctx context.Context, entity models.Entity, fields models.Fields) ([]string, error) {
	sch, err := r.schemaOf(entity)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	value := reflect.ValueOf(entity)
	columns := make([]string, 0, len(names))
	for _, name := range names {
		field := sch.LookUpField(name)
		if field == nil || field.DBName == "" {
			return nil, fmt.Errorf("%w: %s has no column %q", e.ErrValidation, entity.Kind(), name)
		}
		if field.PrimaryKey || !field.Updatable {
			return nil, fmt.Errorf("%w: %s.%s", e.ErrImmutableField, entity.Kind(), field.DBName)
		}
		if err := setField(ctx, field, value, fields[name]); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", e.ErrValidation, entity.Kind(), field.DBName, err)
		}
		columns = append(columns, field.DBName)
	}
	return columns, nil
}

// setField assigns v to field. gorm's setters drop bool parse errors, so
// strings for bool columns are parsed here. nil or "" clears a nullable column.
func setField(ctx context.Context, field *schema.Field, entity reflect.Value, v any) error {
	if field.FieldType.Kind() == reflect.Ptr {
		if v == nil || v == "" {
			field.ReflectValueOf(ctx, entity).Set(reflect.Zero(field.FieldType))
			return nil
		}
	}
	if str, ok := v.(string); ok && field.IndirectFieldType.Kind() == reflect.Bool {
		b, err := strconv.ParseBool(str)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", str)
		}
		v = b
	}
	return field.Set(ctx, entity, v)
}

// Save writes the given columns of an existing record.
func (r *Repository) Save(ctx context.Context, entity models.Entity, columns []string) error {
	if len(columns) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(entity).Select(columns).Updates(entity)
	if result.Error != nil {
		return translateWriteError(result.Error, entity)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", e.ErrNotFound, entity.Kind(), entity.PrimaryKey())
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, kind models.Kind, key models.Key) error {
	info, err := models.Lookup(kind)
	if err != nil {
		return err
	}
	model := info.New()
	pk, err := r.primaryField(model)
	if err != nil {
		return err
	}
	value, err := keyValue(pk, key)
	if err != nil {
		return fmt.Errorf("%w: %s %s", e.ErrNotFound, kind, key)
	}

	result := r.db.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: pk.DBName}, Value: value}).
		Delete(model)
	if result.Error != nil {
		return translateDeleteError(result.Error, kind, key)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", e.ErrNotFound, kind, key)
	}
	return nil
}

// Dependents counts, per restriction on kind, the records referencing key.
// Only restrictions with at least one dependent are returned.
func (r *Repository) Dependents(ctx context.Context, kind models.Kind, key models.Key) ([]Dependent, error) {
	var out []Dependent
	for _, restriction := range models.RestrictionsOn(kind) {
		info, err := models.Lookup(restriction.Dependent)
		if err != nil {
			return nil, err
		}
		model := info.New()
		field, err := r.column(model, restriction.Column)
		if err != nil {
			return nil, err
		}
		value, err := keyValue(field, key)
		if err != nil {
			continue
		}

		var count int64
		result := r.db.WithContext(ctx).Model(model).
			Where(clause.Eq{Column: clause.Column{Name: field.DBName}, Value: value}).
			Count(&count)
		if result.Error != nil {
			return nil, result.Error
		}
		if count > 0 {
			out = append(out, Dependent{Kind: restriction.Dependent, Column: restriction.Column, Count: count})
		}
	}
	return out, nil
}

// References reads the outgoing references of entity from its foreign-key columns.
func (r *Repository) References(ctx context.Context, entity models.Entity) ([]Reference, error) {
	value := reflect.ValueOf(entity)
	var out []Reference
	for _, restriction := range models.ReferencesFrom(entity.Kind()) {
		field, err := r.column(entity, restriction.Column)
		if err != nil {
			return nil, err
		}
		v, zero := field.ValueOf(ctx, value)
		out = append(out, Reference{
			Restriction: restriction,
			Key:         models.Key(fmt.Sprint(v)),
			Missing:     zero,
		})
	}
	return out, nil
}

func (r *Repository) WithTransaction(ctx context.Context, fn func(store Store) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx, logger: r.logger})
	})
}

func (r *Repository) Close() error {
	db, err := r.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func (r *Repository) schemaOf(model any) (*schema.Schema, error) {
	stmt := &gorm.Statement{DB: r.db}
	if err := stmt.Parse(model); err != nil {
		return nil, fmt.Errorf("failed to parse schema of %T: %w", model, err)
	}
	return stmt.Schema, nil
}

func (r *Repository) primaryField(model any) (*schema.Field, error) {
	sch, err := r.schemaOf(model)
	if err != nil {
		return nil, err
	}
	if sch.PrioritizedPrimaryField == nil {
		return nil, fmt.Errorf("%s has no primary key", sch.Table)
	}
	return sch.PrioritizedPrimaryField, nil
}

func (r *Repository) column(model any, name string) (*schema.Field, error) {
	sch, err := r.schemaOf(model)
	if err != nil {
		return nil, err
	}
	field := sch.LookUpField(name)
	if field == nil || field.DBName == "" {
		return nil, fmt.Errorf("%s has no column %q", sch.Table, name)
	}
	return field, nil
}

// keyValue converts key to the Go type of the column it is matched against.
func keyValue(field *schema.Field, key models.Key) (any, error) {
	switch field.DataType {
	case schema.Uint, schema.Int:
		return strconv.ParseUint(string(key), 10, 64)
	default:
		return string(key), nil
	}
}
