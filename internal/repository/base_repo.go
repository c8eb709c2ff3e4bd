package repository

import (
	"github.com/StephTapera/amenchat/internal/config"
	"github.com/StephTapera/amenchat/internal/entity"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Repositories holds all local repositories. Local state is an embedded
// sqlite database: the offline queue and the cached conversation list.
type Repositories struct {
	DB        *gorm.DB
	Queue     *QueueRepo
	ConvCache *ConvCacheRepo
}

// NewRepositories opens the local database and creates all repositories
func NewRepositories(cfg *config.Config) (*Repositories, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Local.DBPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&entity.QueuedMessage{}, &entity.CachedConversation{}); err != nil {
		return nil, err
	}

	return &Repositories{
		DB:        db,
		Queue:     NewQueueRepo(db),
		ConvCache: NewConvCacheRepo(db),
	}, nil
}

// Close closes the local database
func (r *Repositories) Close() error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction executes fn in a transaction
func (r *Repositories) Transaction(fn func(tx *gorm.DB) error) error {
	return r.DB.Transaction(fn)
}
