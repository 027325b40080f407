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
)

var oracleName = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,29}$`)

// reservedTablespaces are owned by the server or by applications living next to the hotel.
const reservedTablespaces = `'SYSTEM', 'SYSAUX', 'USERS', 'MAPTEST', 'AOS_API_USER', 'RESIDENTS'`

type Oracle struct {
	support
}

func NewOracle(db *sql.DB, logger *slog.Logger, options ...Option) *Oracle {
	return &Oracle{support: newSupport(db, logger, options...)}
}

func (o *Oracle) Exists(ctx context.Context, name string) (bool, error) {
	var count int
	err := o.db.QueryRowContext(ctx, "SELECT count(*) FROM dba_users WHERE username = :1", strings.ToUpper(name)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to find user %q: %v", name, err)
	}
	return count == 1, nil
}

func (o *Oracle) Create(ctx context.Context, name, password string) (string, error) {
	name = strings.ToUpper(name)
	if !oracleName.MatchString(name) {
		return "", errdef.NewBadRequest("invalid schema name %q", name)
	}
	if strings.Contains(password, `"`) {
		return "", errdef.NewBadRequest("password must not contain quotes")
	}

	dataFolder, err := o.dataFolder(ctx)
	if err != nil {
		return "", err
	}

	err = o.Execute(ctx,
		fmt.Sprintf("create bigfile tablespace %s datafile '%s/%s.dbf' size 10M autoextend on maxsize 1000G", name, dataFolder, name),
		fmt.Sprintf(`create user %s identified by "%s" default tablespace %s`, name, password, name),
		fmt.Sprintf("grant connect,resource to %s", name),
		fmt.Sprintf("grant create view to %s", name),
		fmt.Sprintf("alter user %s quota unlimited on %s", name, name),
		fmt.Sprintf("alter user %s profile APP_USER", name),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create schema %q: %w", name, err)
	}

	return name, nil
}

func (o *Oracle) dataFolder(ctx context.Context) (string, error) {
	const query = "SELECT SUBSTR(FILE_NAME, 1, INSTR(FILE_NAME, '/', -1) -1) as DATA_FOLDER FROM DBA_DATA_FILES WHERE TABLESPACE_NAME='SYSTEM' and rownum=1"

	var folder string
	if err := o.db.QueryRowContext(ctx, query).Scan(&folder); err != nil {
		return "", fmt.Errorf("failed to find data folder: %v", err)
	}
	return folder, nil
}

// UpdatePassword unlocks the account as well since it might have been locked by clients still using
// the previous password.
func (o *Oracle) UpdatePassword(ctx context.Context, name, password string) error {
	name = strings.ToUpper(name)
	if !oracleName.MatchString(name) {
		return errdef.NewBadRequest("invalid schema name %q", name)
	}
	if strings.Contains(password, `"`) {
		return errdef.NewBadRequest("password must not contain quotes")
	}

	err := o.Execute(ctx,
		fmt.Sprintf(`ALTER USER %s IDENTIFIED BY "%s"`, name, password),
		fmt.Sprintf("alter user %s account unlock", name),
	)
	if err != nil {
		return fmt.Errorf("failed to update password of %q: %w", name, err)
	}
	return nil
}

func (o *Oracle) FindByName(ctx context.Context, name string) (model.BackendPrincipal, bool, error) {
	var username string
	var lastLogin sql.NullTime
	err := o.db.QueryRowContext(ctx, "SELECT username, last_login FROM dba_users WHERE username = :1", strings.ToUpper(name)).Scan(&username, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BackendPrincipal{}, false, nil
	}
	if err != nil {
		return model.BackendPrincipal{}, false, fmt.Errorf("failed to find user %q: %v", name, err)
	}
	return toPrincipal(username, lastLogin), true, nil
}

func (o *Oracle) FindAllNonSystem(ctx context.Context) ([]model.BackendPrincipal, error) {
	var currentUser string
	if err := o.db.QueryRowContext(ctx, "SELECT user FROM dual").Scan(&currentUser); err != nil {
		return nil, fmt.Errorf("failed to find current user: %v", err)
	}

	query := "SELECT username, last_login FROM dba_users WHERE default_tablespace NOT IN (" + reservedTablespaces + ") AND default_tablespace = username AND username != :1"
	rows, err := o.db.QueryContext(ctx, query, currentUser)
	if err != nil {
		return nil, fmt.Errorf("failed to find users: %v", err)
	}
	defer rows.Close()

	var principals []model.BackendPrincipal
	for rows.Next() {
		var username string
		var lastLogin sql.NullTime
		if err := rows.Scan(&username, &lastLogin); err != nil {
			return nil, err
		}
		principals = append(principals, toPrincipal(username, lastLogin))
	}
	return principals, rows.Err()
}

// Delete kills and disconnects every session of the user before dropping the user and its
// tablespace. Failing drop statements are logged and skipped.
func (o *Oracle) Delete(ctx context.Context, name string) error {
	name = strings.ToUpper(name)
	if !oracleName.MatchString(name) {
		return errdef.NewBadRequest("invalid schema name %q", name)
	}

	err := o.evictSessions(ctx, name, func(ctx context.Context) ([]string, error) {
		return o.sessions(ctx, name)
	}, func(ctx context.Context, session string) {
		o.executeTolerant(ctx,
			fmt.Sprintf("ALTER SYSTEM KILL SESSION '%s' IMMEDIATE", session),
			fmt.Sprintf("ALTER SYSTEM DISCONNECT SESSION '%s' IMMEDIATE", session),
		)
	})
	if err != nil {
		return err
	}

	o.executeTolerant(ctx,
		fmt.Sprintf("DROP USER %s CASCADE", name),
		fmt.Sprintf("DROP TABLESPACE %s INCLUDING CONTENTS AND DATAFILES", name),
	)
	return nil
}

// sessions returns the sessions of a user formatted as "sid,serial#".
func (o *Oracle) sessions(ctx context.Context, name string) ([]string, error) {
	rows, err := o.db.QueryContext(ctx, "SELECT s.sid, s.serial# FROM v$session s WHERE s.username = :1", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var sid, serial int64
		if err := rows.Scan(&sid, &serial); err != nil {
			return nil, err
		}
		sessions = append(sessions, fmt.Sprintf("%d,%d", sid, serial))
	}
	return sessions, rows.Err()
}

func (o *Oracle) SchemaSizes(ctx context.Context) ([]model.SchemaSize, error) {
	rows, err := o.db.QueryContext(ctx, "SELECT owner, sum(bytes)/1024/1024 schema_size_mb FROM dba_segments GROUP BY owner")
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

func toPrincipal(name string, lastLogin sql.NullTime) model.BackendPrincipal {
	principal := model.BackendPrincipal{Name: name}
	if lastLogin.Valid {
		t := lastLogin.Time
		principal.LastLoginAt = &t
	}
	return principal
}
