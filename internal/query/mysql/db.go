package mysql

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/autoplan/autoplan/internal/config"
)

const tlsConfigName = "autoplan"

// Open builds a pooled warehouse handle. The pool holds PoolSize idle
// connections and allows MaxOverflow more under load; callers block when it
// is exhausted.
func Open(ctx context.Context, cfg config.MySQLConfig) (*sql.DB, error) {
	driverCfg, err := DriverConfig(cfg)
	if err != nil {
		return nil, err
	}
	connector, err := driver.NewConnector(driverCfg)
	if err != nil {
		return nil, fmt.Errorf("create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	ConfigurePool(db, cfg)

	pingTimeout := cfg.ConnectTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

func ConfigurePool(db *sql.DB, cfg config.MySQLConfig) {
	if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize + max(cfg.MaxOverflow, 0))
		db.SetMaxIdleConns(cfg.PoolSize)
	}
	if cfg.PoolRecycle > 0 {
		db.SetConnMaxLifetime(cfg.PoolRecycle)
	}
}

// DriverConfig resolves connection settings. A DSN takes precedence; the
// discrete fields are used otherwise and must name host, user and database.
func DriverConfig(cfg config.MySQLConfig) (*driver.Config, error) {
	var driverCfg *driver.Config
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		parsed, err := driver.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		driverCfg = parsed
	} else {
		if cfg.Host == "" || cfg.User == "" || cfg.Database == "" {
			return nil, fmt.Errorf("mysql connection info missing: set AUTOPLAN_MYSQL_DSN or host, user and database")
		}
		driverCfg = driver.NewConfig()
		driverCfg.Net = "tcp"
		port := cfg.Port
		if port <= 0 {
			port = 3306
		}
		driverCfg.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		driverCfg.User = cfg.User
		driverCfg.Passwd = cfg.Password
		driverCfg.DBName = cfg.Database
	}

	if driverCfg.Timeout == 0 {
		driverCfg.Timeout = cfg.ConnectTimeout
	}
	if driverCfg.ReadTimeout == 0 {
		driverCfg.ReadTimeout = cfg.ReadTimeout
	}
	if driverCfg.WriteTimeout == 0 {
		driverCfg.WriteTimeout = cfg.WriteTimeout
	}
	driverCfg.ParseTime = true
	driverCfg.CheckConnLiveness = true

	if cfg.TLSCA != "" {
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		if err := driver.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
			return nil, fmt.Errorf("register mysql tls config: %w", err)
		}
		driverCfg.TLSConfig = tlsConfigName
	}
	return driverCfg, nil
}

func buildTLSConfig(cfg config.MySQLConfig) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.TLSCA)
	if err != nil {
		return nil, fmt.Errorf("read mysql tls ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("mysql tls ca %q contains no certificates", cfg.TLSCA)
	}
	tlsCfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if cfg.TLSCert != "" || cfg.TLSKey != "" {
		pair, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load mysql client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}
	return tlsCfg, nil
}
