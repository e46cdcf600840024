package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

func TestClassify_SentinelErrors(t *testing.T) {
	assert.Equal(t, serviceerr.ClassNotFound, serviceerr.ClassOf(classify("postgres", "database.read", sql.ErrNoRows)))
	assert.Equal(t, serviceerr.ClassConnectionStale, serviceerr.ClassOf(classify("postgres", "database.read", driver.ErrBadConn)))
	assert.Equal(t, serviceerr.ClassConnectionStale, serviceerr.ClassOf(classify("mysql", "database.read", io.EOF)))
}

func TestClassify_ContextErrorsPassThrough(t *testing.T) {
	err := classify("postgres", "database.read", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, serviceerr.Is(err, serviceerr.ClassConnectionStale))

	err = classify("mysql", "database.write", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassify_Postgres(t *testing.T) {
	cases := []struct {
		code string
		want serviceerr.Class
	}{
		{"40001", serviceerr.ClassResourceLocked}, // serialization_failure
		{"40P01", serviceerr.ClassResourceLocked}, // deadlock_detected
		{"55P03", serviceerr.ClassResourceLocked}, // lock_not_available
		{"57P01", serviceerr.ClassConnectionStale},
		{"08006", serviceerr.ClassConnectionStale},
		{"53300", serviceerr.ClassConnectionStale}, // too_many_connections
		{"28P01", serviceerr.ClassFatal},           // invalid_password
		{"3D000", serviceerr.ClassFatal},           // invalid_catalog_name
		{"42601", serviceerr.ClassDataError},       // syntax_error
		{"22001", serviceerr.ClassDataError},       // string_data_right_truncation
		{"23505", serviceerr.ClassDataError},       // unique_violation
		{"P0001", serviceerr.ClassFatal},           // raise_exception, unmapped
	}

	for _, tc := range cases {
		err := classify("postgres", "database.read", &pq.Error{Code: pq.ErrorCode(tc.code)})
		assert.Equal(t, tc.want, serviceerr.ClassOf(err), "code %s", tc.code)
	}
}

func TestClassify_MySQL(t *testing.T) {
	cases := []struct {
		number uint16
		want   serviceerr.Class
	}{
		{1205, serviceerr.ClassResourceLocked}, // lock wait timeout
		{1213, serviceerr.ClassResourceLocked}, // deadlock
		{1040, serviceerr.ClassConnectionStale},
		{2006, serviceerr.ClassConnectionStale}, // server has gone away
		{2013, serviceerr.ClassConnectionStale}, // lost connection during query
		{1045, serviceerr.ClassFatal},           // access denied
		{1049, serviceerr.ClassFatal},           // unknown database
		{1064, serviceerr.ClassDataError},       // syntax error
		{1146, serviceerr.ClassDataError},       // table doesn't exist
		{1062, serviceerr.ClassDataError},       // duplicate key
		{1317, serviceerr.ClassFatal},           // query interrupted, unmapped
	}

	for _, tc := range cases {
		err := classify("mysql", "database.write", &mysql.MySQLError{Number: tc.number, Message: "x"})
		assert.Equal(t, tc.want, serviceerr.ClassOf(err), "number %d", tc.number)
	}
}

func TestClassify_TextFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want serviceerr.Class
	}{
		{"invalid connection", serviceerr.ClassConnectionStale},
		{"driver: bad connection", serviceerr.ClassConnectionStale},
		{"dial tcp: connection refused", serviceerr.ClassConnectionStale},
		{"MySQL server has gone away", serviceerr.ClassConnectionStale},
		{"can't connect to MySQL server on 'db:3306'", serviceerr.ClassConnectionStale},
		{"Lock wait timeout exceeded; try restarting transaction", serviceerr.ClassResourceLocked},
		{"Deadlock found when trying to get lock", serviceerr.ClassResourceLocked},
		{"something totally novel", serviceerr.ClassFatal},
	}

	for _, tc := range cases {
		err := classify("mysql", "database.write", errors.New(tc.msg))
		assert.Equal(t, tc.want, serviceerr.ClassOf(err), "msg %q", tc.msg)
	}
}

func TestClassify_NilIsNil(t *testing.T) {
	assert.NoError(t, classify("postgres", "database.read", nil))
}
