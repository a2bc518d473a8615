package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stablerwa/go-did-sdk/did"
)

var errDBUnavailable = errors.New("registry database unavailable")

// DocumentModel is the did_documents row.
type DocumentModel struct {
	ID            string    `gorm:"primaryKey"`
	Method        string    `gorm:"index;not null"`
	Document      []byte    `gorm:"type:jsonb;not null"`
	Deactivated   bool      `gorm:"not null;default:false"`
	DeactivatedAt *time.Time
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (DocumentModel) TableName() string {
	return "did_documents"
}

// Gorm is a Registry backed by a SQL database through gorm. Optimistic
// concurrency is enforced by a conditional UPDATE on updated_at.
type Gorm struct {
	db     *gorm.DB
	logger log.Logger
	now    func() time.Time
}

// GormOption configures a Gorm registry.
type GormOption func(*Gorm)

// WithLogger sets the logger.
func WithLogger(l log.Logger) GormOption {
	return func(g *Gorm) { g.logger = l }
}

// NewGorm wraps an open gorm connection. The connection should be opened with
// TranslateError so duplicate keys surface as gorm.ErrDuplicatedKey.
func NewGorm(db *gorm.DB, opts ...GormOption) *Gorm {
	g := &Gorm{
		db:     db,
		logger: log.Root().With("module", "registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OpenPostgres connects to dsn, migrates the schema and returns the registry.
func OpenPostgres(dsn string, opts ...GormOption) (*Gorm, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := gdb.AutoMigrate(&DocumentModel{}); err != nil {
		return nil, fmt.Errorf("migrate did_documents: %w", err)
	}
	return NewGorm(gdb, opts...), nil
}

func dbErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ctxErr(err)
	}
	return err
}

func (g *Gorm) Create(ctx context.Context, doc *did.Document) error {
	if g.db == nil {
		return errDBUnavailable
	}
	if doc == nil {
		return fmt.Errorf("%w: nil document", did.ErrInvalidDocument)
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	model := DocumentModel{
		ID:        doc.ID.String(),
		Method:    doc.ID.Method,
		Document:  data,
		CreatedAt: doc.Created,
		UpdatedAt: doc.Updated,
	}
	if err := g.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", did.ErrRegistryConflict, doc.ID)
		}
		return dbErr(err)
	}

	g.logger.Debug("created did document", "did", doc.ID)
	return nil
}

func (g *Gorm) get(ctx context.Context, id did.Identifier) (*DocumentModel, error) {
	if g.db == nil {
		return nil, errDBUnavailable
	}
	var model DocumentModel
	err := g.db.WithContext(ctx).Where("id = ?", id.String()).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", did.ErrDocumentNotFound, id)
		}
		return nil, dbErr(err)
	}
	return &model, nil
}

func (g *Gorm) Get(ctx context.Context, id did.Identifier) (*Record, error) {
	model, err := g.get(ctx, id)
	if err != nil {
		return nil, err
	}

	doc, err := did.ParseDocument(model.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored document %s: %w", id, err)
	}

	rec := &Record{Document: doc, Deactivated: model.Deactivated}
	if model.DeactivatedAt != nil {
		rec.DeactivatedAt = *model.DeactivatedAt
	}
	return rec, nil
}

func (g *Gorm) Update(ctx context.Context, doc *did.Document, expectedUpdated time.Time) error {
	if g.db == nil {
		return errDBUnavailable
	}
	if err := checkUpdate(doc, expectedUpdated); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	res := g.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("id = ? AND updated_at = ? AND deactivated = ?", doc.ID.String(), expectedUpdated, false).
		Updates(map[string]any{
			"document":   data,
			"updated_at": doc.Updated,
		})
	if res.Error != nil {
		return dbErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Nothing matched: work out why.
	model, err := g.get(ctx, doc.ID)
	if err != nil {
		return err
	}
	if model.Deactivated {
		return fmt.Errorf("%w: %s", did.ErrDocumentDeactivated, doc.ID)
	}
	return fmt.Errorf("%w: %s: stored version %s", did.ErrVersionConflict, doc.ID, model.UpdatedAt.UTC().Format(time.RFC3339Nano))
}

func (g *Gorm) Deactivate(ctx context.Context, id did.Identifier) error {
	if g.db == nil {
		return errDBUnavailable
	}

	now := g.now().UTC()
	res := g.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("id = ? AND deactivated = ?", id.String(), false).
		Updates(map[string]any{
			"deactivated":    true,
			"deactivated_at": now,
		})
	if res.Error != nil {
		return dbErr(res.Error)
	}
	if res.RowsAffected == 1 {
		g.logger.Info("deactivated did document", "did", id)
		return nil
	}

	if _, err := g.get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", did.ErrDocumentDeactivated, id)
}

func (g *Gorm) Close() error {
	if g.db == nil {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
