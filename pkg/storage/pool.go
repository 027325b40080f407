package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/godror/godror"
	_ "github.com/lib/pq" // postgres driver
)

const defaultPoolSize = 2

// PoolConfig locates a backend server. Database is the service name on Oracle.
type PoolConfig struct {
	Engine               model.Engine
	Host                 string
	Port                 int
	Database             string
	Username             string
	Password             string
	PoolSize             int
	OracleScriptRequired bool
}

// NewPool opens a connection pool and verifies that the server can be reached. A server which can't
// be reached results in an unreachable error.
func NewPool(ctx context.Context, logger *slog.Logger, c PoolConfig) (*sql.DB, error) {
	logger.InfoContext(ctx, "Creating connection pool",
		"engine", c.Engine,
		"host", c.Host,
		"port", c.Port,
		"database", c.Database,
		"username", c.Username,
		"passwordHint", PasswordHint(c.Password),
	)

	db, err := open(c)
	if err != nil {
		return nil, err
	}

	poolSize := c.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errdef.NewUnreachable("failed to connect to %s database %q on %s:%d as %q: %v", c.Engine, c.Database, c.Host, c.Port, c.Username, err)
	}

	return db, nil
}

func open(c PoolConfig) (*sql.DB, error) {
	switch c.Engine {
	case model.EnginePostgres:
		db, err := sql.Open("postgres", postgresDSN(c.Host, c.Port, c.Username, c.Password, c.Database))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres pool: %v", err)
		}
		return db, nil
	case model.EngineOracle:
		var params godror.ConnectionParams
		params.Username = c.Username
		params.Password = godror.NewPassword(c.Password)
		params.ConnectString = fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
		if c.OracleScriptRequired {
			params.SetSessionParamOnInit("_ORACLE_SCRIPT", "true")
		}
		return sql.OpenDB(godror.NewConnector(params)), nil
	default:
		return nil, errdef.NewConfiguration("unknown database engine %q", c.Engine)
	}
}

// PasswordHint masks a password so it can be logged. Only the first and last two characters of
// passwords with at least 8 characters are kept.
func PasswordHint(password string) string {
	if len(password) < 8 {
		return strings.Repeat("*", len(password))
	}
	return password[:2] + strings.Repeat("*", len(password)-4) + password[len(password)-2:]
}
