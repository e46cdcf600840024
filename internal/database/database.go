package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/brokerfeed/serviceclients/pkg/config"
	"github.com/brokerfeed/serviceclients/pkg/logging"
	"github.com/brokerfeed/serviceclients/pkg/resilience"
	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Row is one result row as a column-name-to-value mapping.
type Row = map[string]interface{}

// Client executes free-form SQL against one database through separate
// read and write lanes, each with its own endpoint and cached
// connection. Both supported engines share this contract.
//
// A Client is not safe for concurrent use; run one per worker.
type Client struct {
	driver string
	cfg    *config.DatabaseConfig

	readLane  *resilience.Lane
	writeLane *resilience.Lane
	exec      *resilience.Executor
	policy    resilience.Policy
	logger    *logging.Logger
}

// NewPostgres creates a client for a PostgreSQL database.
func NewPostgres(cfg *config.DatabaseConfig) (*Client, error) {
	return newClient("postgres", cfg)
}

// NewMySQL creates a client for a MySQL database.
func NewMySQL(cfg *config.DatabaseConfig) (*Client, error) {
	return newClient("mysql", cfg)
}

func newClient(driver string, cfg *config.DatabaseConfig) (*Client, error) {
	if cfg == nil {
		return nil, serviceerr.Fatal(driver+".new", "database configuration is required")
	}

	c := &Client{
		driver: driver,
		cfg:    cfg,
		exec:   resilience.NewExecutor(),
		policy: resilience.Policy{
			MaxAttempts: cfg.RetryAttempts,
			Backoff:     cfg.RetryWait,
		},
		logger: logging.GetLogger(),
	}

	// Dirty reads lower lock pressure on the replica and are only ever
	// applied to the read lane, via the DSN so every physical
	// connection picks them up.
	c.readLane = resilience.NewLane(driver, "read", &connector{
		driver:     driver,
		endpoint:   cfg.Read,
		dbName:     cfg.Name,
		sslMode:    cfg.SSLMode,
		timeout:    cfg.ConnectTimeout,
		dirtyReads: cfg.DirtyReads,
	}, cfg.ConnRetries)
	c.writeLane = resilience.NewLane(driver, "write", &connector{
		driver:   driver,
		endpoint: cfg.Write,
		dbName:   cfg.Name,
		sslMode:  cfg.SSLMode,
		timeout:  cfg.ConnectTimeout,
	}, cfg.ConnRetries)

	return c, nil
}

// SetLockHook installs the lock-observed hook run before every
// in-place retry on contention. The default is a no-op.
func (c *Client) SetLockHook(hook func()) {
	c.policy.OnLocked = hook
}

// Read executes a query on the read lane and returns the full result
// set in order. No rows is an empty slice, not an error.
func (c *Client) Read(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	op := c.driver + ".read"

	var rows []Row
	err := c.exec.Execute(ctx, op, c.readLane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		db := h.(*handle).db

		rs, err := db.QueryxContext(ctx, query, args...)
		if err != nil {
			return classify(c.driver, op, err)
		}
		defer rs.Close()

		rows = rows[:0]
		for rs.Next() {
			row := make(Row)
			if err := rs.MapScan(row); err != nil {
				return classify(c.driver, op, err)
			}
			rows = append(rows, row)
		}
		if err := rs.Err(); err != nil {
			return classify(c.driver, op, err)
		}
		return nil
	})
	if err != nil {
		if serviceerr.Is(err, serviceerr.ClassNotFound) {
			return []Row{}, nil
		}
		return nil, err
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

// Write executes a command on the write lane and returns the affected
// row count. Zero affected rows is success: an UPDATE matching nothing
// is a no-op, not a failure.
func (c *Client) Write(ctx context.Context, query string, args ...interface{}) (int64, error) {
	op := c.driver + ".write"

	var affected int64
	err := c.exec.Execute(ctx, op, c.writeLane, c.policy, func(ctx context.Context, h resilience.Handle) error {
		db := h.(*handle).db

		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return classify(c.driver, op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(c.driver, op, err)
		}
		if n > 0 {
			c.logger.Debug("write affected rows", "driver", c.driver, "rows", n)
		}
		affected = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Close releases both lanes.
func (c *Client) Close() error {
	readErr := c.readLane.Close()
	writeErr := c.writeLane.Close()
	if readErr != nil {
		return readErr
	}
	return writeErr
}

// handle wraps one live sqlx session.
type handle struct {
	db *sqlx.DB
}

func (h *handle) Close() error {
	return h.db.Close()
}

// connector dials one lane's endpoint.
type connector struct {
	driver     string
	endpoint   config.Endpoint
	dbName     string
	sslMode    string
	timeout    time.Duration
	dirtyReads bool
}

func (cn *connector) Connect(ctx context.Context) (resilience.Handle, error) {
	db, err := sqlx.ConnectContext(ctx, cn.driver, cn.dsn())
	if err != nil {
		return nil, err
	}

	// One connection per lane. Session settings such as the isolation
	// level are carried in the DSN, not applied with SET: database/sql
	// silently replaces connections (ErrBadConn redial, idle timeout)
	// and a replacement would not have seen the SET.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(10 * time.Minute)

	return &handle{db: db}, nil
}

// Alive pings the cached session. Any probe failure reports not-alive;
// the lane then discards the handle instead of reusing a half-dead
// connection.
func (cn *connector) Alive(ctx context.Context, h resilience.Handle) bool {
	db := h.(*handle).db
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(pingCtx) == nil
}

func (cn *connector) dsn() string {
	switch cn.driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&timeout=%s",
			cn.endpoint.User, cn.endpoint.Password, cn.endpoint.Host, cn.endpoint.Port,
			cn.dbName, cn.timeout)
		if cn.dirtyReads {
			dsn += "&transaction_isolation=%27READ-UNCOMMITTED%27"
		}
		return dsn
	default:
		sslMode := cn.sslMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
			cn.endpoint.Host, cn.endpoint.Port, cn.endpoint.User, cn.endpoint.Password,
			cn.dbName, sslMode, int(cn.timeout.Seconds()))
		if cn.dirtyReads {
			dsn += ` options='-c default_transaction_isolation=read\\ uncommitted'`
		}
		return dsn
	}
}
