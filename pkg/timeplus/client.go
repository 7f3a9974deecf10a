package timeplus

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/timeplus-io/proton-go-driver/v2"
	"github.com/timeplus-io/proton-go-driver/v2/lib/driver"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/config"
)

const (
	defaultPort = "8464"
	maxAttempts = 3
)

// Column represents a column definition
type Column struct {
	Name     string
	Type     string
	Nullable bool // Whether the column can be NULL
}

// Client is a wrapper around the Timeplus Proton Go driver connection
type Client struct {
	mu   sync.RWMutex
	conn driver.Conn
	opts *proton.Options
}

// Options builds driver options from the configuration
func Options(cfg *config.TimeplusConfig) *proton.Options {
	address := strings.TrimPrefix(cfg.Address, "http://")
	address = strings.TrimPrefix(address, "https://")
	if !strings.Contains(address, ":") {
		address = address + ":" + defaultPort
	}

	return &proton.Options{
		Addr: []string{address},
		Auth: proton.Auth{
			Database: cfg.Workspace,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Compression: &proton.Compression{
			Method: proton.CompressionLZ4,
		},
	}
}

// NewClient opens and pings a Timeplus connection
func NewClient(ctx context.Context, cfg *config.TimeplusConfig) (*Client, error) {
	opts := Options(cfg)
	logrus.Infof("Connecting to Timeplus at %s (workspace: %s)", opts.Addr[0], cfg.Workspace)

	conn, err := proton.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to Timeplus: %w", err)
	}

	var pingErr error
	for i := 0; i < maxAttempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pingErr = conn.Ping(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}
		logrus.Warnf("Failed to ping Timeplus (attempt %d/%d): %v", i+1, maxAttempts, pingErr)
		if err := sleep(ctx, backoff(i)); err != nil {
			pingErr = err
			break
		}
	}
	if pingErr != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping Timeplus: %w", pingErr)
	}

	logrus.Info("Successfully connected to Timeplus")
	return &Client{conn: conn, opts: opts}, nil
}

func (c *Client) current() driver.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// CreateStream creates a stream with the given name and schema if it does not exist
func (c *Client) CreateStream(ctx context.Context, name string, schema []Column) error {
	if err := c.current().Exec(ctx, CreateStreamQuery(name, schema)); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", name, err)
	}
	return nil
}

// StreamExists reports whether a stream with the given name exists
func (c *Client) StreamExists(ctx context.Context, name string) (bool, error) {
	escapedName := strings.ReplaceAll(name, "'", "''")
	rows, err := c.current().Query(ctx, fmt.Sprintf("SHOW STREAMS LIKE '%s'", escapedName))
	if err != nil {
		return false, fmt.Errorf("failed to execute SHOW STREAMS: %w", err)
	}
	defer rows.Close()

	exists := rows.Next()
	if rows.Err() != nil {
		return false, fmt.Errorf("error checking rows from SHOW STREAMS: %w", rows.Err())
	}
	return exists, nil
}

// ExecuteQuery runs a bounded query and returns every row as a column map.
// EOF errors trigger a reconnect before the next attempt.
func (c *Client) ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			logrus.Warnf("Retrying query (attempt %d/%d) after error: %v", attempt+1, maxAttempts, lastErr)
			c.reconnectOnEOF(ctx, lastErr)
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return nil, err
			}
		}

		result, err := c.query(ctx, query)
		if err == nil {
			logrus.Debugf("Query returned %d rows", len(result))
			return result, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to execute query after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	rows, err := c.current().Query(queryCtx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columnNames := rows.Columns()
	columnTypes := rows.ColumnTypes()

	result := make([]map[string]interface{}, 0)
	for rows.Next() {
		scanArgs := make([]interface{}, len(columnNames))
		for i, ct := range columnTypes {
			scanArgs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(columnNames))
		for i, name := range columnNames {
			row[name] = reflect.ValueOf(scanArgs[i]).Elem().Interface()
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return result, nil
}

// InsertIntoStream inserts one row into a stream
func (c *Client) InsertIntoStream(ctx context.Context, streamName string, columns []string, values []interface{}) error {
	query, err := InsertQuery(streamName, columns, values)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			logrus.Warnf("Retrying insertion to stream '%s' (attempt %d/%d) after error: %v",
				streamName, attempt+1, maxAttempts, lastErr)
			c.reconnectOnEOF(ctx, lastErr)
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return err
			}
		}

		if err := c.current().Exec(ctx, query); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to insert into stream after %d attempts: %w", maxAttempts, lastErr)
}

// ExecuteDDL executes a Data Definition Language (DDL) statement like CREATE or DROP
func (c *Client) ExecuteDDL(ctx context.Context, query string) error {
	if err := c.current().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to execute DDL query '%s': %w", query, err)
	}
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) reconnectOnEOF(ctx context.Context, lastErr error) {
	if lastErr == nil || !strings.Contains(lastErr.Error(), "EOF") {
		return
	}

	logrus.Info("Attempting to reconnect to Timeplus...")
	conn, err := proton.Open(c.opts)
	if err != nil {
		logrus.Errorf("Failed to reconnect: %v", err)
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		logrus.Warnf("Connection established but ping failed: %v", err)
		conn.Close()
		return
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	logrus.Info("Successfully reconnected to Timeplus")
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
