// Package mysql implements storage.Store over GORM and MySQL.
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"storyloom/server/internal/config"
	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
)

type Store struct {
	db *gorm.DB
}

// Open connects to MySQL, applies pool limits and migrates the schema.
func Open(cfg config.MySQLConfig) (*Store, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	// translate requires driver duplicate-key errors to surface as
	// gorm.ErrDuplicatedKey.
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&models.Project{},
		&models.CanonEntity{},
		&models.CanonVersion{},
		&models.Promise{},
		&models.StoryEvent{},
		&models.CausalLink{},
		&models.Consequence{},
		&models.TimelineEvent{},
		&models.TimelineConflict{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a transaction.
func (s *Store) WithTx(fn func(*gorm.DB) error) error {
	return s.db.Transaction(fn)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrDuplicate
	}
	return err
}

// Projects

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// Canon entities

func (s *Store) CreateEntity(ctx context.Context, e *models.CanonEntity) error {
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *Store) GetEntity(ctx context.Context, id string) (*models.CanonEntity, error) {
	var e models.CanonEntity
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *Store) UpdateEntity(ctx context.Context, e *models.CanonEntity) error {
	res := s.db.WithContext(ctx).Model(&models.CanonEntity{}).
		Where("id = ?", e.ID).
		Select("Name", "Data", "ChapterNumber", "SceneNumber").
		Updates(e)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.CanonEntity{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListEntities(ctx context.Context, projectID, kind string) ([]*models.CanonEntity, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []*models.CanonEntity
	if err := q.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// Versions

func (s *Store) AppendVersion(ctx context.Context, v *models.CanonVersion) error {
	return translate(s.db.WithContext(ctx).Create(v).Error)
}

func (s *Store) MaxVersionNumber(ctx context.Context, projectID string) (int, error) {
	var max *int
	err := s.db.WithContext(ctx).Model(&models.CanonVersion{}).
		Where("project_id = ?", projectID).
		Select("MAX(version_number)").
		Scan(&max).Error
	if err != nil {
		return 0, translate(err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

func (s *Store) LatestVersion(ctx context.Context, entityID string) (*models.CanonVersion, error) {
	var v models.CanonVersion
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("version_number DESC").
		First(&v).Error
	if err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

func (s *Store) ListVersions(ctx context.Context, entityID string) ([]*models.CanonVersion, error) {
	var out []*models.CanonVersion
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("version_number").
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
