package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shellac/config"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type DB struct {
	SQL   *gorm.DB
	Graph neo4j.DriverWithContext
	Cache Cache
	log   logger.Logger
}

// NewPostgres opens the relational store used by the tableinator.
func NewPostgres(config config.Config) (DB, error) {
	log := logger.New("database").Function("NewPostgres")

	log.Info("Initializing relational database")
	db := &DB{log: logger.New("database")}

	if err := db.initializeSQL(config); err != nil {
		return DB{}, log.Err("failed to initialize relational database", err)
	}

	if err := db.initializeEventsCache(config); err != nil {
		return DB{}, log.Err("failed to initialize events cache", err)
	}

	return *db, nil
}

// NewGraph opens the graph store used by the graphinator.
func NewGraph(config config.Config) (DB, error) {
	log := logger.New("database").Function("NewGraph")

	log.Info("Initializing graph database")
	db := &DB{log: logger.New("database")}

	if err := db.initializeGraph(config); err != nil {
		return DB{}, log.Err("failed to initialize graph database", err)
	}

	if err := db.initializeEventsCache(config); err != nil {
		return DB{}, log.Err("failed to initialize events cache", err)
	}

	return *db, nil
}

// NewEventsOnly opens just the events cache. The extractor uses this; it has
// no store of its own.
func NewEventsOnly(config config.Config) (DB, error) {
	log := logger.New("database").Function("NewEventsOnly")

	db := &DB{log: logger.New("database")}

	if err := db.initializeEventsCache(config); err != nil {
		return DB{}, log.Err("failed to initialize events cache", err)
	}

	return *db, nil
}

func (s *DB) initializeSQL(config config.Config) error {
	// Silent gorm logging: bulk upserts would otherwise flood the log
	gormLog := gormLogger.New(
		slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		gormLogger.Config{
			SlowThreshold:             10 * time.Second,
			LogLevel:                  gormLogger.Silent,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      false,
			Colorful:                  true,
		},
	)

	gormConfig := &gorm.Config{
		Logger:                 gormLog,
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	}

	return s.initializePostgresDB(gormConfig, config)
}

func (s *DB) initializePostgresDB(gormConfig *gorm.Config, config config.Config) error {
	log := s.log.Function("initializePostgresDB")

	if config.PostgresHost == "" {
		return log.Error("postgres host is empty")
	}
	if config.PostgresDatabase == "" {
		return log.Error("postgres database is empty")
	}
	if config.PostgresUser == "" {
		return log.Error("postgres user is empty")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		config.PostgresHost,
		config.PostgresPort,
		config.PostgresUser,
		config.PostgresPassword,
		config.PostgresDatabase,
	)

	log.Info(
		"Connecting to PostgreSQL",
		"host",
		config.PostgresHost,
		"port",
		config.PostgresPort,
		"database",
		config.PostgresDatabase,
	)
	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return log.Err("failed to open PostgreSQL database with GORM", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return log.Err("failed to get database from GORM", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return log.Err("failed to ping PostgreSQL database through GORM", err)
	}

	log.Info("Successfully connected to PostgreSQL with GORM")
	// Pool must cover the consumer prefetch so a full batch can lease connections
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s.SQL = db

	return nil
}

func (s *DB) initializeGraph(config config.Config) error {
	log := s.log.Function("initializeGraph")

	if config.Neo4jAddress == "" {
		return log.Error("neo4j address is empty")
	}

	driver, err := neo4j.NewDriverWithContext(
		config.Neo4jAddress,
		neo4j.BasicAuth(config.Neo4jUsername, config.Neo4jPassword, ""),
	)
	if err != nil {
		return log.Err("failed to create neo4j driver", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return log.Err("failed to verify neo4j connectivity", err, "address", config.Neo4jAddress)
	}

	log.Info("Successfully connected to Neo4j", "address", config.Neo4jAddress)
	s.Graph = driver

	return nil
}

func (s *DB) Close() (err error) {
	if s.SQL != nil {
		sqlDB, sqlErr := s.SQL.DB()
		if sqlErr == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				_ = s.log.Err("failed to close database", closeErr)
				err = closeErr
			}
		}
	}

	if s.Graph != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if closeErr := s.Graph.Close(ctx); closeErr != nil {
			_ = s.log.Err("failed to close graph driver", closeErr)
			err = closeErr
		}
	}

	if s.Cache.Events != nil {
		s.Cache.Events.Close()
	}

	return err
}
