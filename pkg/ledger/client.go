package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// API paths on the scan query surface.
const (
	snapshotTimestampPath = "/v0/state/acs/snapshot-timestamp"
	acsPath               = "/v0/state/acs"
	updatesPath           = "/v0/updates"
)

// Client is a wrapper around an http.Client with circuit-breaker and
// token-bucket rate limiting over a failover list of scan endpoints.
type Client struct {
	endpoints []string
	client    *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new Client.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewWithOpts creates a new Client with the given options.
func NewWithOpts(o Opts) *Client {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	}

	c := &Client{
		endpoints:        dedup(o.Endpoints),
		client:           client,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

func dedup(ss []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

func (c *Client) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

func (c *Client) acquire() {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return
		}
		time.Sleep(c.refillEvery / 2)
	}
}

func (c *Client) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

func (c *Client) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[i%len(c.endpoints)]
		if c.isOpen(ep) {
			continue
		}

		c.acquire()

		var body *bytes.Reader
		if payload != nil {
			b, mErr := json.Marshal(payload)
			if mErr != nil {
				return mErr
			}
			body = bytes.NewReader(b)
		} else {
			body = bytes.NewReader(nil)
		}

		req, reqErr := http.NewRequestWithContext(ctx, method, ep+path, body)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.noteFailure(ep)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server %d", resp.StatusCode)
			c.noteFailure(ep)
			resp.Body.Close()
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			resp.Body.Close()
			continue
		}

		if out != nil {
			rawBody, err := io.ReadAll(resp.Body)
			if err != nil {
				resp.Body.Close()
				lastErr = err
				continue
			}

			slog.Debug("scan rpc", "path", path, "len", len(rawBody))

			if err := json.Unmarshal(rawBody, out); err != nil {
				resp.Body.Close()
				lastErr = fmt.Errorf("json unmarshal: %w (body: %s)", err, string(rawBody[:min(200, len(rawBody))]))
				continue
			}
		}

		resp.Body.Close()
		return nil
	}

	return lastErr
}

// snapshotTimestampRequest asks for the latest ACS snapshot boundary at or
// before a wall-clock instant within a migration.
type snapshotTimestampRequest struct {
	MigrationID int64     `json:"migration_id"`
	Before      time.Time `json:"before"`
}

// SnapshotTimestampBefore returns the record time of the most recent ACS
// snapshot taken at or before the given instant within the given migration.
// A zero record time means the ledger has no snapshot for that migration.
func (c *Client) SnapshotTimestampBefore(ctx context.Context, migrationID int64, before time.Time) (time.Time, error) {
	var resp struct {
		RecordTime time.Time `json:"record_time"`
	}
	if err := c.doJSON(ctx, http.MethodPost, snapshotTimestampPath, snapshotTimestampRequest{
		MigrationID: migrationID,
		Before:      before,
	}, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.RecordTime, nil
}

// acsPageRequest is a single page request against the active contract set.
type acsPageRequest struct {
	MigrationID int64     `json:"migration_id"`
	RecordTime  time.Time `json:"record_time"`
	After       *int64    `json:"after,omitempty"`
	PageSize    int       `json:"page_size"`
}

// ACSPage fetches one page of the active contract set at a fixed
// (migration, record_time). Pass a nil after cursor for the first page.
func (c *Client) ACSPage(ctx context.Context, migrationID int64, recordTime time.Time, after *int64, pageSize int) (*ACSPageResult, error) {
	var resp ACSPageResult
	if err := c.doJSON(ctx, http.MethodPost, acsPath, acsPageRequest{
		MigrationID: migrationID,
		RecordTime:  recordTime,
		After:       after,
		PageSize:    pageSize,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// updatesPageBeforeRequest pages the update log backward from an upper
// bound. Used by the historical backfill sweep.
type updatesPageBeforeRequest struct {
	MigrationID int64     `json:"migration_id"`
	Before      time.Time `json:"before"`
	PageSize    int       `json:"page_size"`
}

// UpdatesPageBefore fetches one page of update-log entries with record time
// strictly before the given bound, newest first.
func (c *Client) UpdatesPageBefore(ctx context.Context, migrationID int64, before time.Time, pageSize int) ([]Update, error) {
	var resp UpdatesPageResult
	if err := c.doJSON(ctx, http.MethodPost, updatesPath+"/before", updatesPageBeforeRequest{
		MigrationID: migrationID,
		Before:      before,
		PageSize:    pageSize,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

// updatesPageRequest pages the update log strictly after a cursor.
type updatesPageRequest struct {
	AfterMigrationID int64     `json:"after_migration_id"`
	AfterRecordTime  time.Time `json:"after_record_time"`
	PageSize         int       `json:"page_size"`
}

// UpdatesPage fetches one page of update-log entries strictly after the
// given (migration, record_time) cursor, in record-time order.
func (c *Client) UpdatesPage(ctx context.Context, afterMigrationID int64, afterRecordTime time.Time, pageSize int) ([]Update, error) {
	var resp UpdatesPageResult
	if err := c.doJSON(ctx, http.MethodPost, updatesPath, updatesPageRequest{
		AfterMigrationID: afterMigrationID,
		AfterRecordTime:  afterRecordTime,
		PageSize:         pageSize,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Updates, nil
}
