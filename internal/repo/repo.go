package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/permissions-service/internal/model"
)

// ErrOptimisticLock is returned when the permission row changed between read and write.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// Gateway is the system-of-record surface used by the orchestrator and the read path.
type Gateway interface {
	DB(ctx context.Context) *gorm.DB
	GetPermission(ctx context.Context, tx *gorm.DB, id uint64) (*model.Permission, error)
	GetPermissionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Permission, error)
	GetPermissionType(ctx context.Context, tx *gorm.DB, id uint64) (*model.PermissionType, error)
	CreatePermission(ctx context.Context, tx *gorm.DB, p *model.Permission) error
	UpdatePermission(ctx context.Context, tx *gorm.DB, p *model.Permission, oldVersion uint64) error
	DeletePermission(ctx context.Context, tx *gorm.DB, id uint64, version uint64) error
	ListPermissions(ctx context.Context, f model.PermissionFilter) ([]model.Permission, error)
	ListPermissionTypes(ctx context.Context) ([]model.PermissionType, error)
	CachePermission(ctx context.Context, s model.PermissionSnapshot) error
	GetCachedPermission(ctx context.Context, id uint64) (*model.PermissionSnapshot, error)
	InvalidatePermission(ctx context.Context, id uint64) error
}

// Repository implements Gateway and OutboxStore on one gorm handle.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	cacheTTL time.Duration
	log      *zap.SugaredLogger
}

// NewRepository constructs repo. rdb may be nil, which disables the read cache.
func NewRepository(db *gorm.DB, rdb *redis.Client, cacheTTL time.Duration, logger *zap.SugaredLogger) *Repository {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Repository{db: db, rdb: rdb, cacheTTL: cacheTTL, log: logger}
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.PermissionType{}, &model.Permission{}, &model.OutboxMessage{})
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// SeedPermissionTypes inserts the given types, leaving existing rows alone.
func (r *Repository) SeedPermissionTypes(ctx context.Context, types []model.PermissionType) error {
	if len(types) == 0 {
		return nil
	}
	rows := append([]model.PermissionType(nil), types...)
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return res.Error
	}
	r.log.Infow("permission types seeded", "inserted", res.RowsAffected, "known", len(types))
	return nil
}

// GetPermission reads a permission with its type preloaded.
func (r *Repository) GetPermission(ctx context.Context, tx *gorm.DB, id uint64) (*model.Permission, error) {
	if tx == nil {
		tx = r.db
	}
	var p model.Permission
	if err := tx.WithContext(ctx).Preload("PermissionType").Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPermissionForUpdate locks permission row.
func (r *Repository) GetPermissionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Permission, error) {
	var p model.Permission
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPermissionType reads reference data; share-locked so it cannot vanish under the writer.
func (r *Repository) GetPermissionType(ctx context.Context, tx *gorm.DB, id uint64) (*model.PermissionType, error) {
	if tx == nil {
		tx = r.db
	}
	var pt model.PermissionType
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("id = ?", id).First(&pt).Error; err != nil {
		return nil, err
	}
	return &pt, nil
}

// CreatePermission inserts the aggregate; the store assigns ID.
func (r *Repository) CreatePermission(ctx context.Context, tx *gorm.DB, p *model.Permission) error {
	return tx.WithContext(ctx).Omit(clause.Associations).Create(p).Error
}

// UpdatePermission writes all mutable fields with optimistic lock.
func (r *Repository) UpdatePermission(ctx context.Context, tx *gorm.DB, p *model.Permission, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Permission{}).
		Where("id = ? AND version = ?", p.ID, oldVersion).
		Updates(map[string]interface{}{
			"employee_forename":  p.EmployeeForename,
			"employee_surname":   p.EmployeeSurname,
			"permission_type_id": p.PermissionTypeID,
			"permission_date":    p.PermissionDate,
			"updated_at":         p.UpdatedAt,
			"version":            oldVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	p.Version = oldVersion + 1
	return nil
}

// DeletePermission removes the row if it is still at version.
func (r *Repository) DeletePermission(ctx context.Context, tx *gorm.DB, id uint64, version uint64) error {
	res := tx.WithContext(ctx).
		Where("id = ? AND version = ?", id, version).
		Delete(&model.Permission{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// ListPermissions applies the optional filters, oldest id first.
func (r *Repository) ListPermissions(ctx context.Context, f model.PermissionFilter) ([]model.Permission, error) {
	q := r.db.WithContext(ctx).Preload("PermissionType").Order("id asc")
	if name := strings.TrimSpace(f.EmployeeName); name != "" {
		like := "%" + strings.ToLower(name) + "%"
		q = q.Where("LOWER(employee_forename || ' ' || employee_surname) LIKE ?", like)
	}
	if f.PermissionTypeID != 0 {
		q = q.Where("permission_type_id = ?", f.PermissionTypeID)
	}
	if f.FromDate != nil {
		q = q.Where("permission_date >= ?", model.TruncateDay(*f.FromDate))
	}
	if f.ToDate != nil {
		q = q.Where("permission_date <= ?", model.TruncateDay(*f.ToDate))
	}
	var ps []model.Permission
	err := q.Find(&ps).Error
	return ps, err
}

// ListPermissionTypes returns all reference rows ordered by id.
func (r *Repository) ListPermissionTypes(ctx context.Context) ([]model.PermissionType, error) {
	var pts []model.PermissionType
	err := r.db.WithContext(ctx).Order("id asc").Find(&pts).Error
	return pts, err
}
