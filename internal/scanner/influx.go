package scanner

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
)

// InfluxWriter ships price snapshots to InfluxDB as the "lowest_bin"
// measurement, one point per item id, all sharing the cycle's timestamp.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxWriter creates a writer from config.
func NewInfluxWriter(cfg config.InfluxConfig) *InfluxWriter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token.Value())
	return &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// WritePrices writes one point per item id.
func (w *InfluxWriter) WritePrices(ctx context.Context, prices map[string]float64, ts time.Time) error {
	if len(prices) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(prices))
	for id, price := range prices {
		points = append(points, influxdb2.NewPoint(
			"lowest_bin",
			map[string]string{"id": id},
			map[string]any{"price": price},
			ts,
		))
	}

	if err := w.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the underlying HTTP resources.
func (w *InfluxWriter) Close() {
	w.client.Close()
}
