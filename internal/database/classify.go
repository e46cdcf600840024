package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// classify maps a driver error onto the closed failure classification.
// This table is the single place engine-specific knowledge about
// transient-vs-fatal lives: structured driver errors first, an
// enumerated substring list as the fallback for conditions the drivers
// only report as text. Unknown errors classify fatal and are never
// retried.
func classify(driverName, op string, err error) error {
	if err == nil {
		return nil
	}

	// Context errors propagate untouched so cancellation is not
	// mistaken for a backend failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return serviceerr.NotFound(op, "row").WithCause(err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return serviceerr.Stale(op, "bad connection").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return serviceerr.Stale(op, "network error").WithCause(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(op, pqErr)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQL(op, myErr)
	}

	return classifyText(op, err)
}

// classifyPostgres dispatches on the SQLSTATE code.
func classifyPostgres(op string, err *pq.Error) error {
	code := string(err.Code)
	switch {
	case code == "40001", code == "40P01", code == "55P03":
		// serialization_failure, deadlock_detected, lock_not_available
		return serviceerr.Locked(op, "lock contention").WithCause(err)
	case code == "57P01", code == "57P02", code == "57P03":
		// admin_shutdown, crash_shutdown, cannot_connect_now
		return serviceerr.Stale(op, "server shutting down").WithCause(err)
	case strings.HasPrefix(code, "08"):
		// connection_exception family
		return serviceerr.Stale(op, "connection exception").WithCause(err)
	case strings.HasPrefix(code, "53"):
		// insufficient_resources, e.g. too_many_connections
		return serviceerr.Stale(op, "insufficient resources").WithCause(err)
	case strings.HasPrefix(code, "28"):
		// invalid_authorization_specification
		return serviceerr.Fatal(op, "authentication failed").WithCause(err)
	case strings.HasPrefix(code, "3D"), strings.HasPrefix(code, "3F"):
		// invalid_catalog_name, invalid_schema_name
		return serviceerr.Fatal(op, "invalid database").WithCause(err)
	case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
		// syntax/access, data exception, integrity constraint
		return serviceerr.Data(op, "bad query or payload").WithCause(err)
	}
	return serviceerr.Fatal(op, "unhandled database error").WithCause(err)
}

// classifyMySQL dispatches on the server error number.
func classifyMySQL(op string, err *mysql.MySQLError) error {
	switch err.Number {
	case 1205, 1213:
		// Lock wait timeout exceeded; Deadlock found when trying to get lock
		return serviceerr.Locked(op, "lock contention").WithCause(err)
	case 1040, 1053, 2006, 2013:
		// Too many connections; Server shutdown in progress; gone away; lost connection
		return serviceerr.Stale(op, "server unavailable").WithCause(err)
	case 1044, 1045:
		// Access denied
		return serviceerr.Fatal(op, "authentication failed").WithCause(err)
	case 1049:
		// Unknown database
		return serviceerr.Fatal(op, "invalid database").WithCause(err)
	case 1054, 1064, 1146, 1366, 1062:
		// Unknown column; syntax error; table doesn't exist; bad value; duplicate key
		return serviceerr.Data(op, "bad query or payload").WithCause(err)
	}
	return serviceerr.Fatal(op, "unhandled database error").WithCause(err)
}

// Known driver message fragments for conditions without a structured
// error, mostly client-side connection failures.
var staleFragments = []string{
	"invalid connection",
	"bad connection",
	"connection refused",
	"connection reset",
	"broken pipe",
	"server has gone away",
	"unexpected eof",
	"connect to mysql server",
}

var lockedFragments = []string{
	"trying to get lock",
	"wait timeout exceeded",
	"deadlock",
}

func classifyText(op string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, fragment := range lockedFragments {
		if strings.Contains(msg, fragment) {
			return serviceerr.Locked(op, "lock contention").WithCause(err)
		}
	}
	for _, fragment := range staleFragments {
		if strings.Contains(msg, fragment) {
			return serviceerr.Stale(op, "connection lost").WithCause(err)
		}
	}
	return serviceerr.Fatal(op, "unhandled database error").WithCause(err)
}
