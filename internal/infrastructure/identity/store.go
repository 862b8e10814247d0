package identity

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TokenRecord persists the latest refreshed token per identity, so a restart
// does not throw away tokens obtained after the config file was written.
type TokenRecord struct {
	IdentityID  string    `gorm:"primaryKey;column:identity_id"`
	Token       string    `gorm:"column:token"`
	RefreshedAt time.Time `gorm:"column:refreshed_at"`
}

// TableName 表名
func (TokenRecord) TableName() string { return "identity_tokens" }

// TokenStore is an optional sqlite-backed token cache. A nil *TokenStore is
// valid and all methods no-op on it.
type TokenStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenTokenStore opens (and migrates) the sqlite store at dsn.
func OpenTokenStore(dsn string, logger *zap.Logger) (*TokenStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TokenRecord{}); err != nil {
		return nil, err
	}
	return &TokenStore{db: db, logger: logger.With(zap.String("component", "token-store"))}, nil
}

// Load returns the stored record for an identity, or nil when absent.
func (s *TokenStore) Load(identityID string) *TokenRecord {
	if s == nil {
		return nil
	}
	var rec TokenRecord
	if err := s.db.First(&rec, "identity_id = ?", identityID).Error; err != nil {
		return nil
	}
	return &rec
}

// Save upserts the refreshed token for an identity.
func (s *TokenStore) Save(identityID, token string) {
	if s == nil {
		return
	}
	rec := TokenRecord{IdentityID: identityID, Token: token, RefreshedAt: time.Now()}
	if err := s.db.Save(&rec).Error; err != nil {
		s.logger.Warn("Failed to persist refreshed token",
			zap.String("identity", identityID),
			zap.Error(err),
		)
	}
}
