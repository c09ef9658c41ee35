package main

import (
	"fmt"
	"net/url"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// In order to connect to Postgresql you need to fill out all the fields.
//
// To connect to sqlite, you just need to specify "sqlite" driver.
// By default it will use in-memory database. You can provide CHAINWATCH_DATABASE_NAME to use the file.
type DatabaseConfig struct {
	URL      string `env:"CHAINWATCH_DATABASE_URL" env-default:""`
	Name     string `env:"CHAINWATCH_DATABASE_NAME" env-default:""`
	Schema   string `env:"CHAINWATCH_DATABASE_SCHEMA" env-default:""`
	Driver   string `env:"CHAINWATCH_DATABASE_DRIVER" env-default:"sqlite" validate:"oneof=sqlite postgres"`
	Username string `env:"CHAINWATCH_DATABASE_USERNAME" env-default:"postgres"`
	Password string `env:"CHAINWATCH_DATABASE_PASSWORD" env-default:""`
	Host     string `env:"CHAINWATCH_DATABASE_HOST" env-default:"localhost"`
	Port     string `env:"CHAINWATCH_DATABASE_PORT" env-default:"5432"`
}

// ParseConnectionString parses a sqlite "file:" or PostgreSQL URI.
func ParseConnectionString(connStr string) (DatabaseConfig, error) {
	if strings.HasPrefix(connStr, "file:") {
		parts := strings.SplitN(connStr[5:], "?", 2)
		return DatabaseConfig{Name: parts[0], Driver: "sqlite"}, nil
	}

	parsedURL, err := url.Parse(connStr)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid connection string: %w", err)
	}
	if parsedURL.Scheme != "postgres" && parsedURL.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}

	username, password := "", ""
	if user := parsedURL.User; user != nil {
		username = user.Username()
		password, _ = user.Password()
	}

	port := parsedURL.Port()
	if port == "" {
		port = "5432"
	}

	return DatabaseConfig{
		Name:     strings.TrimPrefix(parsedURL.Path, "/"),
		Schema:   parsedURL.Query().Get("search_path"),
		Driver:   "postgres",
		Username: username,
		Password: password,
		Host:     parsedURL.Hostname(),
		Port:     port,
	}, nil
}

// ConnectToDB opens the journal database and migrates its tables.
func ConnectToDB(cnf DatabaseConfig) (*gorm.DB, error) {
	if cnf.URL != "" {
		parsed, err := ParseConnectionString(cnf.URL)
		if err != nil {
			return nil, err
		}
		cnf = parsed
	}

	var dial gorm.Dialector
	switch cnf.Driver {
	case "postgres":
		dial = postgres.Open(postgresqlDSN(cnf))
	case "sqlite", "":
		dsn := "file::memory:?cache=shared"
		if cnf.Name != "" {
			dsn = fmt.Sprintf("file:%s?cache=shared", cnf.Name)
		}
		dial = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cnf.Schema != "" {
		gormConfig.NamingStrategy = schema.NamingStrategy{TablePrefix: cnf.Schema + "."}
	}

	db, err := gorm.Open(dial, gormConfig)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TxWatch{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return db, nil
}

func postgresqlDSN(cnf DatabaseConfig) string {
	dsn := fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cnf.Username, cnf.Password, cnf.Host, cnf.Port, cnf.Name,
	)
	if cnf.Schema != "" {
		dsn = fmt.Sprintf("%s search_path=%s", dsn, cnf.Schema)
	}
	return dsn
}
