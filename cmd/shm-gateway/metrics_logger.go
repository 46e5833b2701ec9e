package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_parsed", snap.FramesParsed,
					"resyncs", snap.Resyncs,
					"crc_mismatches", snap.CRCMismatches,
					"buffer_truncations", snap.BufferTruncations,
					"reports_decoded", snap.ReportsDecoded,
					"samples_stored", snap.SamplesStored,
					"bytes_written", snap.BytesWritten,
					"files_rotated", snap.FilesRotated,
					"alarms_triggered", snap.AlarmsTriggered,
					"alarms_closed", snap.AlarmsClosed,
					"queue_dropped", snap.QueueDropped,
					"node_restarts", snap.NodeRestarts,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
