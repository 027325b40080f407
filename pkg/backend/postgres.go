package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/lib/pq"
)

var postgresName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

const createAppUserRole = `DO $$
BEGIN
  CREATE ROLE app_user WITH NOLOGIN;
  EXCEPTION WHEN OTHERS THEN
  RAISE NOTICE 'not creating role app_user -- it already exists';
END
$$;`

// Postgres hosts every schema as a database owned by a login role of the same name.
type Postgres struct {
	support
}

func NewPostgres(db *sql.DB, logger *slog.Logger, options ...Option) *Postgres {
	return &Postgres{support: newSupport(db, logger, options...)}
}

func (p *Postgres) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", strings.ToLower(name)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to find database %q: %v", name, err)
	}
	return exists, nil
}

func (p *Postgres) Create(ctx context.Context, name, password string) (string, error) {
	name = strings.ToLower(name)
	if !postgresName.MatchString(name) {
		return "", errdef.NewBadRequest("invalid schema name %q", name)
	}
	identifier := pq.QuoteIdentifier(name)

	err := p.Execute(ctx,
		createAppUserRole,
		fmt.Sprintf("CREATE USER %s WITH PASSWORD %s", identifier, pq.QuoteLiteral(password)),
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", identifier, identifier),
		fmt.Sprintf("GRANT CREATE ON DATABASE %s TO %s", identifier, identifier),
		fmt.Sprintf("GRANT CONNECT ON DATABASE %s TO %s", identifier, identifier),
		fmt.Sprintf("GRANT app_user TO %s", identifier),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create schema %q: %w", name, err)
	}

	return name, nil
}

func (p *Postgres) UpdatePassword(ctx context.Context, name, password string) error {
	name = strings.ToLower(name)
	if !postgresName.MatchString(name) {
		return errdef.NewBadRequest("invalid schema name %q", name)
	}
	identifier := pq.QuoteIdentifier(name)

	err := p.Execute(ctx,
		fmt.Sprintf("ALTER USER %s WITH PASSWORD %s", identifier, pq.QuoteLiteral(password)),
		fmt.Sprintf("ALTER USER %s WITH LOGIN", identifier),
	)
	if err != nil {
		return fmt.Errorf("failed to update password of %q: %w", name, err)
	}
	return nil
}

// FindByName never reports a last login as Postgres doesn't track it.
func (p *Postgres) FindByName(ctx context.Context, name string) (model.BackendPrincipal, bool, error) {
	var datname string
	err := p.db.QueryRowContext(ctx, "SELECT datname FROM pg_database WHERE datname = $1", strings.ToLower(name)).Scan(&datname)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BackendPrincipal{}, false, nil
	}
	if err != nil {
		return model.BackendPrincipal{}, false, fmt.Errorf("failed to find database %q: %v", name, err)
	}
	return model.BackendPrincipal{Name: datname}, true, nil
}

func (p *Postgres) FindAllNonSystem(ctx context.Context) ([]model.BackendPrincipal, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT datname FROM pg_database WHERE datistemplate = false AND datname NOT IN ('postgres') AND datname <> current_user")
	if err != nil {
		return nil, fmt.Errorf("failed to find databases: %v", err)
	}
	defer rows.Close()

	var principals []model.BackendPrincipal
	for rows.Next() {
		var datname string
		if err := rows.Scan(&datname); err != nil {
			return nil, err
		}
		principals = append(principals, model.BackendPrincipal{Name: datname})
	}
	return principals, rows.Err()
}

// Delete blocks new connections, terminates the existing ones and drops the database and its
// role. Failing statements are logged and skipped.
func (p *Postgres) Delete(ctx context.Context, name string) error {
	name = strings.ToLower(name)
	if !postgresName.MatchString(name) {
		return errdef.NewBadRequest("invalid schema name %q", name)
	}
	identifier := pq.QuoteIdentifier(name)

	p.executeTolerant(ctx, fmt.Sprintf("ALTER DATABASE %s ALLOW_CONNECTIONS false", identifier))

	err := p.evictSessions(ctx, name, func(ctx context.Context) ([]string, error) {
		return p.sessions(ctx, name)
	}, func(ctx context.Context, pid string) {
		if _, err := p.db.ExecContext(ctx, "SELECT pg_terminate_backend($1)", pid); err != nil {
			p.logger.WarnContext(ctx, "Failed to terminate backend, continuing", "schema", name, "pid", pid, "error", err)
		}
	})
	if err != nil {
		return err
	}

	p.executeTolerant(ctx,
		fmt.Sprintf("DROP DATABASE %s", identifier),
		fmt.Sprintf("DROP ROLE %s", identifier),
	)
	return nil
}

func (p *Postgres) sessions(ctx context.Context, name string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT pid FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pids []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		pids = append(pids, pid)
	}
	return pids, rows.Err()
}

func (p *Postgres) SchemaSizes(ctx context.Context) ([]model.SchemaSize, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT datname, pg_database_size(datname)/1024.0/1024.0 FROM pg_database WHERE datistemplate = false")
	if err != nil {
		return nil, fmt.Errorf("failed to collect schema sizes: %v", err)
	}
	defer rows.Close()

	var sizes []model.SchemaSize
	for rows.Next() {
		var size model.SchemaSize
		if err := rows.Scan(&size.Owner, &size.SizeMB); err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}
	return sizes, rows.Err()
}
