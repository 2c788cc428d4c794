package config

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// startup must not block here; main connects after the port is open
	godotenv.Load()
}

type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

// poolSettingsFromEnv reads DB_MAX_OPEN_CONNS (50), DB_MAX_IDLE_CONNS (25),
// DB_CONN_MAX_LIFETIME_SECONDS (300) and DB_CONN_MAX_IDLE_TIME_SECONDS (60).
func poolSettingsFromEnv() poolSettings {
	p := poolSettings{
		maxOpen:     intFromEnv("DB_MAX_OPEN_CONNS", 50),
		maxIdle:     intFromEnv("DB_MAX_IDLE_CONNS", 25),
		maxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		maxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
	}
	if UsesSQLite() {
		// one writer at a time
		p.maxOpen = 1
	}
	return p
}

func (p poolSettings) apply(sqlDB *sql.DB) {
	if p.maxOpen > 0 {
		sqlDB.SetMaxOpenConns(p.maxOpen)
	}
	if p.maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(p.maxIdle)
	}
	if p.maxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.maxLifetime)
	}
	if p.maxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.maxIdleTime)
	}
}

// ConnectDatabaseWithRetry connects and sets the global DB, retrying with capped
// backoff until the database answers. Call it from main after the port is open.
func ConnectDatabaseWithRetry() {
	dialector, target := openDialector()
	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(dialector, initConfig())
		if err == nil {
			var sqlDB *sql.DB
			if sqlDB, err = conn.DB(); err == nil {
				poolSettingsFromEnv().apply(sqlDB)
				installPlugins(conn)
				db = conn
				log.Printf("connected to database (driver=%s target=%s attempt=%d)", databaseDriver(), target, attempt)
				return
			}
		}
		sleep := min(time.Second*time.Duration(1<<min(attempt, 5)), 30*time.Second)
		log.Printf("database not reachable (attempt=%d target=%s): %v; retrying in %s", attempt, target, err, sleep)
		time.Sleep(sleep)
	}
}

func installPlugins(conn *gorm.DB) {
	for _, plugin := range []gorm.Plugin{otelgorm.NewPlugin(), NewTenantGuardPlugin()} {
		if err := conn.Use(plugin); err != nil {
			log.Printf("failed to install gorm plugin %s: %v", plugin.Name(), err)
		}
	}
}

func databaseDriver() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	if v == "" {
		return "mysql"
	}
	return v
}

func UsesSQLite() bool {
	return databaseDriver() == "sqlite"
}

func openDialector() (gorm.Dialector, string) {
	if UsesSQLite() {
		path := os.Getenv("DB_SQLITE_PATH")
		if path == "" {
			path = "garage.db"
		}
		return sqlite.Open(path + "?_busy_timeout=5000&_foreign_keys=on"), path
	}
	dsn := MySQLDSN()
	return mysql.Open(dsn), os.Getenv("DB_HOST")
}

// MySQLDSN builds the connection string from DB_* env.
//
// When DB_HOST is "/cloudsql/<CONNECTION_NAME>" the Cloud SQL unix socket is used.
func MySQLDSN() string {
	dbHost := os.Getenv("DB_HOST")
	cfg := mysqlDriver.NewConfig()
	cfg.User = os.Getenv("DB_USER")
	cfg.Passwd = os.Getenv("DB_PASSWORD")
	cfg.DBName = os.Getenv("DB_NAME")
	cfg.ParseTime = true
	cfg.MultiStatements = true
	// guarded updates rely on matched-row counts, not changed-row counts
	cfg.ClientFoundRows = true
	// every pooled connection reads committed rows before a guarded update
	cfg.Params = map[string]string{"transaction_isolation": "'READ-COMMITTED'"}
	cfg.Loc = time.UTC
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		cfg.Net = "unix"
		cfg.Addr = dbHost
	} else {
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%s", dbHost, os.Getenv("DB_PORT"))
	}
	return cfg.FormatDSN()
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GormConfig is shared with tests so both run with the same error translation.
func GormConfig() *gorm.Config {
	return initConfig()
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
		TranslateError: true,
	}
}

// initLog keeps gorm's own output to errors and statements slower than
// DB_SLOW_QUERY_MS (default 1000).
func initLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			LogLevel:                  logger.Warn,
			SlowThreshold:             time.Duration(intFromEnv("DB_SLOW_QUERY_MS", 1000)) * time.Millisecond,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{TablePrefix: os.Getenv("DB_TABLE_PREFIX")}
}
