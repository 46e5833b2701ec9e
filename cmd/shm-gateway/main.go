package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/alarm"
	"github.com/shm-gw/sensor-gateway/internal/board"
	"github.com/shm-gw/sensor-gateway/internal/lockfile"
	"github.com/shm-gw/sensor-gateway/internal/metrics"
	"github.com/shm-gw/sensor-gateway/internal/node"
	"github.com/shm-gw/sensor-gateway/internal/packet"
	"github.com/shm-gw/sensor-gateway/internal/payload"
	"github.com/shm-gw/sensor-gateway/internal/sink"
	"github.com/shm-gw/sensor-gateway/internal/sock"
	"github.com/shm-gw/sensor-gateway/internal/storer"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("shm-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, cfg.logDir)

	lock, err := lockfile.Acquire(cfg.lockPath)
	if err != nil {
		l.Error("lock_acquire_failed", "error", err, "path", cfg.lockPath)
		os.Exit(1)
	}
	defer lock.Unlock()

	sc := cfg.sensorConfig()
	if err := sc.Valid(); err != nil {
		l.Error("invalid_sensor_config", "error", err)
		os.Exit(1)
	}

	historyCap := cfg.historyCapacity
	if historyCap == 0 {
		historyCap = int(cfg.eventPreMs/time.Second) * sc.FrequencyHz
	}

	var statusSink sink.StatusSink
	var alarmSink sink.AlarmSink
	if cfg.statusSinkURL != "" {
		h := sink.NewHTTPSink(cfg.statusSinkURL, cfg.uuid, cfg.sinkTimeout, l)
		statusSink, alarmSink = h, h
	} else {
		ls := sink.NewLogSink(cfg.uuid, l)
		statusSink, alarmSink = ls, ls
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := alarm.New(func(ev alarm.Published) {
		if err := alarmSink.Alarm(ctx, ev); err != nil {
			l.Warn("alarm_publish_failed", "error", err)
		}
	},
		alarm.WithPrealarmClear(cfg.prealarmClear),
		alarm.WithEventWindow(cfg.eventWindow),
		alarm.WithHistoryCapacity(historyCap),
		alarm.WithLogger(l),
		alarm.WithOnAlert(func(triggerTSMs int64, status int) {
			if err := alarmSink.Alert(ctx, triggerTSMs, status, cfg.uuid); err != nil {
				l.Warn("alarm_alert_publish_failed", "error", err)
			}
		}),
	)

	st, err := storer.New(sc.MAC, sc.FrequencyHz, cfg.tempDir, cfg.dataDir,
		storer.WithFileDuration(cfg.fileDurationSec),
		storer.WithLogger(l),
	)
	if err != nil {
		l.Error("storer_init_failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tsCheck := &payload.TSCheck{
		Enabled:         cfg.payloadTSCheck,
		FutureSlackMs:   cfg.tsFutureSlack,
		BackstepTolMs:   cfg.tsBackstepTol,
		DropOnViolation: cfg.payloadDrop,
	}

	pkt := packet.New(sc,
		packet.WithQueueSize(cfg.queueSize),
		packet.WithLogger(l),
		packet.WithStorer(st),
		packet.WithAlarmEngine(engine),
		packet.WithPayloadTSCheck(tsCheck),
		packet.WithMaxBuffer(cfg.packetBufferMax),
	)

	ctrl := board.New(cfg.boardAddr)

	var n *node.Node
	realSock := sock.New(
		sock.WithListenAddr(cfg.listenAddr),
		sock.WithAcceptTimeout(cfg.acceptTimeout),
		sock.WithReadTimeout(cfg.readTimeout),
		sock.WithFirstPacketTimeout(cfg.firstPacketTO),
		sock.WithReadBufSize(cfg.rxChunk),
		sock.WithLogger(l),
		sock.WithOnData(pkt.AddPacket),
		sock.WithOnError(func(err error) {
			if n != nil {
				// Recovery waits for the Serve goroutine this callback
				// runs on, so it runs on its own goroutine.
				go n.OnError(ctx, err)
			}
		}),
	)

	n = node.New(sc, realSock, ctrl, pkt,
		node.WithStatusSink(statusSink),
		node.WithLogger(l),
		node.WithSupervisor(cfg.supervisor),
		node.WithBoardWDT(cfg.boardWDT),
		node.WithAutoRestartOnTimeout(cfg.autoRestartOnTimeout),
	)

	if err := n.Start(ctx); err != nil {
		l.Error("node_start_failed", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	metrics.SetReadinessFunc(func() bool {
		return n.State() == node.StateRunning
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	n.Stop(context.Background(), "shutdown signal")
	wg.Wait()
}
