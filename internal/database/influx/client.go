// Package influx writes BLOCKGRAVE time series: per-tick market and
// hashpower samples plus one point per ledger entry.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Simulation metrics

// TickSample is one market and hashpower sample.
type TickSample struct {
	SessionID string
	Tick      uint64
	Price     float64
	Bid       float64
	Ask       float64
	Rate      float64
	Upkeep    float64
	Credits   float64
	Chain     float64
	Links     int
	At        time.Time
}

// TickPoint builds the "ticks" point for s.
func TickPoint(s TickSample) *write.Point {
	tags := map[string]string{"session": s.SessionID}
	fields := map[string]interface{}{
		"tick":    int64(s.Tick),
		"price":   s.Price,
		"bid":     s.Bid,
		"ask":     s.Ask,
		"rate":    s.Rate,
		"upkeep":  s.Upkeep,
		"credits": s.Credits,
		"chain":   s.Chain,
		"links":   int64(s.Links),
	}
	return write.NewPoint("ticks", tags, fields, s.At)
}

// WriteTick writes a market sample
func (c *Client) WriteTick(s TickSample) {
	c.writeAPI.WritePoint(TickPoint(s))
}

// WriteLinkMetric writes a link mint
func (c *Client) WriteLinkMetric(sessionID, owner string, difficulty, value float64, linklets int, at time.Time) {
	tags := map[string]string{
		"session": sessionID,
		"owner":   owner,
	}

	fields := map[string]interface{}{
		"difficulty": difficulty,
		"value":      value,
		"linklets":   int64(linklets),
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint("links", tags, fields, at))
}

// WriteTradeMetric writes an executed trade
func (c *Client) WriteTradeMetric(sessionID, side string, amount, unitPrice float64, withLink bool, at time.Time) {
	tags := map[string]string{
		"session": sessionID,
		"side":    side,
		"link":    fmt.Sprintf("%t", withLink),
	}

	fields := map[string]interface{}{
		"amount":     amount,
		"unit_price": unitPrice,
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint("trades", tags, fields, at))
}

// WriteEventMetric writes a market event
func (c *Client) WriteEventMetric(sessionID, kind, severity string, magnitude float64, at time.Time) {
	tags := map[string]string{
		"session":  sessionID,
		"kind":     kind,
		"severity": severity,
	}

	fields := map[string]interface{}{
		"magnitude": magnitude,
		"count":     1,
	}

	c.writeAPI.WritePoint(write.NewPoint("events", tags, fields, at))
}

// Query methods

// PriceHistory retrieves the mean price per window over duration
func (c *Client) PriceHistory(ctx context.Context, sessionID string, duration, every time.Duration) ([]PricePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "ticks")
		|> filter(fn: (r) => r.session == "%s")
		|> filter(fn: (r) => r._field == "price")
		|> aggregateWindow(every: %s, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), sessionID, every.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []PricePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, PricePoint{Time: record.Time(), Price: value})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Data structures

// PricePoint is a price sample at a point in time
type PricePoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}
