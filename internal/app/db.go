package app

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"wablast/config"
)

func getDatabase(cfg config.DBConfig, workdir string) *gorm.DB {
	level := gormlogger.Warn
	if cfg.Debug {
		level = gormlogger.Info
	}
	gormCfg := &gorm.Config{
		Logger:          gormlogger.Default.LogMode(level),
		CreateBatchSize: 500,
	}

	var db *gorm.DB
	var err error
	switch cfg.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name, time.Local.String())
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		path := filepath.Join(workdir, cfg.Name+".db")
		db, err = gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_journal_mode=WAL"), gormCfg)
	}
	if err != nil {
		zap.S().Panicf("database connect failed: %v", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db
}
