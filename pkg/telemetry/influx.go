// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
)

const influxConnectTimeout = 10 * time.Second

// InfluxConfig configures the history recorder.
type InfluxConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string

	// BatchSize is the write batch size; 0 uses the default of 100.
	BatchSize int
	// FlushInterval is the batch flush interval in seconds; 0 uses 10.
	FlushInterval int

	// RecordInterval is how often heater snapshots are sampled.
	RecordInterval time.Duration
}

// InfluxRecorder batches heater history into InfluxDB. Writes are
// non-blocking; async failures surface on the error callback.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      InfluxConfig
	log      *log.Logger

	mu        sync.RWMutex
	connected bool
}

// ConnectInflux creates the client, verifies connectivity and starts
// the async error drain.
func ConnectInflux(cfg InfluxConfig, logger *log.Logger) (*InfluxRecorder, error) {
	if !cfg.Enabled {
		return nil, errors.New(errors.ErrConfig, "influxdb is disabled")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000))

	ctx, cancel := context.WithTimeout(context.Background(), influxConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	r := &InfluxRecorder{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		cfg:       cfg,
		log:       logger.Child("influx"),
		connected: true,
	}
	go r.drainWriteErrors(r.writeAPI.Errors())
	return r, nil
}

func (r *InfluxRecorder) drainWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		r.log.Errorf("async write failed: %v", err)
	}
}

// IsConnected reports whether the recorder accepts writes.
func (r *InfluxRecorder) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// WriteHeaterMetric records a single heater measurement.
func (r *InfluxRecorder) WriteHeaterMetric(heater, measurement string, value float64) {
	if !r.IsConnected() {
		return
	}
	point := write.NewPoint(
		"heater_metrics",
		map[string]string{
			"heater":      heater,
			"measurement": measurement,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// RecordSnapshots writes one point per heater metric.
func (r *InfluxRecorder) RecordSnapshots(snaps []HeaterSnapshot) {
	for _, snap := range snaps {
		r.WriteHeaterMetric(snap.Name, "temperature", snap.Temperature)
		r.WriteHeaterMetric(snap.Name, "target", snap.Target)
		r.WriteHeaterMetric(snap.Name, "power", snap.Power)
	}
}

// Run samples the source until the context is cancelled.
func (r *InfluxRecorder) Run(ctx context.Context, source Source) error {
	interval := r.cfg.RecordInterval
	if interval <= 0 {
		interval = 1 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case <-ticker.C:
			r.RecordSnapshots(source.Snapshots())
		}
	}
}

// Close flushes pending writes and shuts the client down.
func (r *InfluxRecorder) Close() {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = false
	r.mu.Unlock()

	r.writeAPI.Flush()
	r.client.Close()
}
