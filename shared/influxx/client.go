package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"match-event-delivery/shared/config"
)

type Client struct {
	client influxdb2.Client
	writer api.WriteAPI
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	// the client takes whole seconds
	timeoutSec := cfg.InfluxTimeoutMS / 1000
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeoutSec)).
		SetBatchSize(100).
		SetFlushInterval(1000)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, writer: client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)}, nil
}

// Enqueue buffers a point for the background writer and never blocks on the
// network. Failed batches surface on Errors.
func (c *Client) Enqueue(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if c == nil || c.writer == nil {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	c.writer.WritePoint(influxdb2.NewPoint(measurement, tags, fields, ts))
}

// Errors must be drained once requested, or the background writer stalls.
func (c *Client) Errors() <-chan error {
	if c == nil || c.writer == nil {
		return nil
	}
	return c.writer.Errors()
}

// Ready reports whether the server answers its readiness probe.
func (c *Client) Ready(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	_, err := c.client.Ready(ctx)
	return err
}

// Close flushes buffered points before releasing the client.
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.writer.Flush()
	c.client.Close()
}
