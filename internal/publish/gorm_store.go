package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore persists file and chunk metadata through gorm.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLiteStore opens (or creates) a sqlite database at path and migrates
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLiteStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGormStore(db)
}

// NewGormStore migrates the schema on db and returns a Store backed by it.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&File{}, &ChunkRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateFile implements Store.CreateFile.
func (s *GormStore) CreateFile(ctx context.Context, f *File) error {
	return s.db.WithContext(ctx).Create(f).Error
}

// GetFile implements Store.GetFile.
func (s *GormStore) GetFile(ctx context.Context, id FileID) (*File, error) {
	var f File
	err := s.db.WithContext(ctx).First(&f, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// MarkValid implements Store.MarkValid.
func (s *GormStore) MarkValid(ctx context.Context, id FileID) error {
	res := s.db.WithContext(ctx).Model(&File{}).Where("id = ?", string(id)).Update("valid", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PutChunk implements Store.PutChunk.
func (s *GormStore) PutChunk(ctx context.Context, c ChunkRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&c).Error
}

// GetChunk implements Store.GetChunk.
func (s *GormStore) GetChunk(ctx context.Context, id FileID, index int) (*ChunkRecord, error) {
	var c ChunkRecord
	err := s.db.WithContext(ctx).
		Where("file_id = ? AND chunk_index = ?", string(id), index).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChunks implements Store.ListChunks.
func (s *GormStore) ListChunks(ctx context.Context, id FileID) ([]ChunkRecord, error) {
	var out []ChunkRecord
	err := s.db.WithContext(ctx).
		Where("file_id = ?", string(id)).
		Order("chunk_index asc").
		Find(&out).Error
	return out, err
}

// Search implements Store.Search.
func (s *GormStore) Search(ctx context.Context, query string, page Page) ([]File, error) {
	like := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.page(ctx, page,
		s.db.WithContext(ctx).
			Where("valid = ?", true).
			Where(`(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(content) LIKE ? ESCAPE '\')`, like, like))
}

// Latest implements Store.Latest.
func (s *GormStore) Latest(ctx context.Context, page Page) ([]File, error) {
	return s.page(ctx, page, s.db.WithContext(ctx).Where("valid = ?", true))
}

func (s *GormStore) page(_ context.Context, page Page, q *gorm.DB) ([]File, error) {
	page = page.Normalize()
	var out []File
	err := q.Order("created_at desc").Order("id asc").
		Offset(page.Offset()).
		Limit(page.Size).
		Find(&out).Error
	return out, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
