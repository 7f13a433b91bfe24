package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"prices-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique or foreign key violations
	ErrConflict = errors.New("conflict")
)

// Queries is the data access surface used by the service layer. Counter
// columns are only written through the Adjust*/Set* methods; Adjust* clamp
// at zero and report whether they had to.
type Queries interface {
	GetLocation(ctx context.Context, id int64) (*models.Location, error)
	GetLocationByOSM(ctx context.Context, osmID int64, osmType string) (*models.Location, error)
	GetLocationByWebsiteURL(ctx context.Context, url string) (*models.Location, error)
	InsertLocation(ctx context.Context, loc *models.Location) (bool, error)
	DeleteLocation(ctx context.Context, id int64) error
	AdjustLocationCounts(ctx context.Context, id int64, priceDelta, proofDelta int) (bool, error)
	SetLocationCounts(ctx context.Context, id int64, priceCount, proofCount int) error
	CountLocationPrices(ctx context.Context, id int64) (int, error)
	CountLocationProofs(ctx context.Context, id int64) (int, error)
	CountLocationsByType(ctx context.Context) (map[string]int, error)
	CountLocationsWithPrices(ctx context.Context) (int, error)

	CreateProof(ctx context.Context, proof *models.Proof) error
	GetProof(ctx context.Context, id int64) (*models.Proof, error)
	GetProofForUpdate(ctx context.Context, id int64) (*models.Proof, error)
	UpdateProof(ctx context.Context, proof *models.Proof) error
	DeleteProof(ctx context.Context, id int64) error
	AdjustProofPriceCount(ctx context.Context, id int64, delta int) (bool, error)
	SetProofPriceCount(ctx context.Context, id int64, count int) error
	CountProofPrices(ctx context.Context, id int64) (int, error)
	CountProofsByType(ctx context.Context) (map[models.ProofType]int, error)
	CountProofsWithPrices(ctx context.Context) (int, error)

	CreatePrice(ctx context.Context, price *models.Price) error
	GetPrice(ctx context.Context, id int64) (*models.Price, error)
	GetPriceForUpdate(ctx context.Context, id int64) (*models.Price, error)
	UpdatePrice(ctx context.Context, price *models.Price) error
	DeletePrice(ctx context.Context, id int64) error
	ListProofPrices(ctx context.Context, proofID int64) ([]models.Price, error)
	DeleteProofPrices(ctx context.Context, proofID int64) (int64, error)
	SetProofPricesCurrency(ctx context.Context, proofID int64, currency string) (int64, error)
	SetProofPricesDate(ctx context.Context, proofID int64, date models.Date) (int64, error)
	SetProofPricesLocation(ctx context.Context, proofID int64, loc *models.Location) (int64, error)
	CountPrices(ctx context.Context) (int, error)

	CreatePrediction(ctx context.Context, prediction *models.Prediction) error
	ListProofPredictions(ctx context.Context, proofID int64) ([]models.Prediction, error)
	LatestProofPrediction(ctx context.Context, proofID int64, typ models.PredictionType) (*models.Prediction, error)
	DeleteProofPredictions(ctx context.Context, proofID int64) (int64, error)
}

// Repository is a Queries implementation able to open transactions
type Repository interface {
	Queries
	// WithTx runs fn in a single transaction, committed only if fn returns nil
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

// Store is the Postgres Repository
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, q: db}, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction. Calls made on an already
// transactional store join the running transaction.
func (s *Store) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if _, ok := s.q.(*sqlx.Tx); ok {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, s.q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return mapError(err)
}

func (s *Store) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return mapError(sqlx.SelectContext(ctx, s.q, dest, query, args...))
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// execOne runs a statement expected to touch exactly one row
func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// mapError translates constraint violations into ErrConflict
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "23503":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}
