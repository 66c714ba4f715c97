package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type ConnectorFunc func() (*gorm.DB, zerolog.Logger, error)

func NewSQLiteConnector(log zerolog.Logger, filePath string) ConnectorFunc {
	if filePath == "" {
		filePath = "file::memory:?cache=shared"
	}

	return func() (*gorm.DB, zerolog.Logger, error) {
		db, err := gorm.Open(sqlite.Open(filePath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}

		return db, log, err
	}
}

func NewPostgreSQLConnector(log zerolog.Logger) ConnectorFunc {
	dbHost := os.Getenv("BRIDGE_SQLDB_HOST")
	username := os.Getenv("BRIDGE_SQLDB_USER")
	dbName := os.Getenv("BRIDGE_SQLDB_NAME")
	password := os.Getenv("BRIDGE_SQLDB_PASSWORD")
	sslMode := env.GetVariableOrDefault(log, "BRIDGE_SQLDB_SSLMODE", "require")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	return func() (*gorm.DB, zerolog.Logger, error) {
		sublogger := log.With().Str("host", dbHost).Str("database", dbName).Logger()

		sublogger.Info().Msg("connecting to database host")

		db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{
			Logger: logger.New(
				&sublogger,
				logger.Config{
					SlowThreshold:             time.Second,
					LogLevel:                  logger.Warn,
					IgnoreRecordNotFoundError: true,
					Colorful:                  false,
				},
			),
		})

		return db, sublogger, err
	}
}

// User is the persisted shape of a bridge account. Binary material
// (password salt and digest, client token, OAuth tokens) is stored
// hex encoded.
type User struct {
	Chat         int64  `gorm:"primaryKey;autoIncrement:false"`
	Name         string `gorm:"uniqueIndex"`
	Hash         string
	ClientToken  string
	AccessToken  string
	RefreshToken string
	TokenExpire  int64
	Timestamp    int64
}

//go:generate moq -rm -out userrepository_mock.go . UserRepository

type UserRepository interface {
	GetUsers(ctx context.Context) ([]User, error)
	Save(ctx context.Context, user *User) error
	Delete(ctx context.Context, chat int64) error
}

func New(connect ConnectorFunc) (UserRepository, error) {
	impl, _, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&User{})
	if err != nil {
		return nil, err
	}

	return &userRepository{db: impl}, nil
}

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) GetUsers(ctx context.Context) ([]User, error) {
	var users []User

	result := r.db.WithContext(ctx).Find(&users)

	return users, result.Error
}

func (r *userRepository) Save(ctx context.Context, user *User) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(user).
		Error
}

func (r *userRepository) Delete(ctx context.Context, chat int64) error {
	return r.db.WithContext(ctx).Delete(&User{}, chat).Error
}
