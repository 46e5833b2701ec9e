package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shm-gw/sensor-gateway/internal/shm"
)

type appConfig struct {
	host      string
	port      int
	boardIP   string
	boardPort int

	listenAddr string // derived: host:port
	boardAddr  string // derived: boardIP:boardPort

	uuid       string
	mac        string
	channelMap string
	frequency  int
	nreports   int
	headerLen  int
	crcEnabled bool
	crcStrict  bool
	headerOnly bool
	filtered   bool
	tsUnit     string

	tsHeaderDrop   bool
	tsFutureSlack  int64
	tsBackstepTol  int64
	payloadTSCheck bool
	payloadDrop    bool

	dataDir string
	tempDir string
	logDir  string
	runDir  string

	fileDurationSec int

	prealarmClear   time.Duration
	eventPreMs      time.Duration
	eventWindow     time.Duration // EVENT_POST_MS
	historyCapacity int

	queueSize       int
	packetBufferMax int
	rxChunk         int

	boardWDT             time.Duration
	acceptTimeout        time.Duration
	readTimeout          time.Duration
	firstPacketTO        time.Duration
	autoRestartOnTimeout bool

	supervisor      bool
	lockPath        string
	statusSinkURL   string
	sinkTimeout     time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	host := flag.String("host", "0.0.0.0", "Sensor data TCP listen host")
	port := flag.Int("port", 20000, "Sensor data TCP listen port")
	boardIP := flag.String("board-ip", "127.0.0.1", "Board console TCP host")
	boardPort := flag.Int("board-port", 1105, "Board console TCP port")

	uuid := flag.String("uuid", "", "Sensor UUID")
	mac := flag.String("mac", "", "Sensor MAC (12 hex chars, no separators)")
	channelMap := flag.String("channel-map", "11114555", "8-char channel map (1=accel 2/3=unused 4=integrated-temp 5=raw-temp)")
	frequency := flag.Int("frequency", 200, "Sample frequency in Hz")
	nreports := flag.Int("nreports", 1, "Reports per frame (1..10)")
	headerLen := flag.Int("header-len", 36, "Frame header length: 36 (no CRC) or 40 (with CRC)")
	crcEnabled := flag.Bool("crc-enabled", false, "Expect a CRC-32 field in the frame header")
	crcStrict := flag.Bool("crc-strict", true, "Resync immediately on a CRC mismatch; when false the frame is kept and the mismatch only counted")
	headerOnly := flag.Bool("header-only", false, "Frames carry header metrics only, no payload reports")
	filtered := flag.Bool("data-filtered", false, "Substitute trailing filtered floats for raw accelerometer channels")
	tsUnit := flag.String("ts-unit", "auto", "Wire timestamp unit: auto|ms|us")

	tsHeaderDrop := flag.Bool("ts-header-drop", false, "Drop frames whose header timestamp violates the sanity guard")
	tsFutureSlack := flag.Int64("ts-future-slack-ms", 2000, "Header timestamp future-drift tolerance in ms")
	tsBackstepTol := flag.Int64("ts-backstep-tol-ms", 0, "Header timestamp backstep tolerance in ms (0 = half sample period)")
	payloadTSCheck := flag.Bool("payload-ts-check", false, "Enable the per-sample payload timestamp sanity guard")
	payloadDrop := flag.Bool("payload-ts-drop", false, "Drop samples whose payload timestamp violates the sanity guard")

	dataDir := flag.String("data-dir", "./data", "Final rotated-file directory")
	tempDir := flag.String("temp-dir", "./data/.tmp", "In-progress (.part) file directory")
	logDir := flag.String("log-dir", "", "Directory to write the log file to; empty logs to stderr")
	runDir := flag.String("run-dir", "", "Directory holding the single-instance lock file; empty uses --lock-file as-is")

	fileDurationSec := flag.Int("file-duration", 300, "Target seconds of samples per rotated file")

	prealarmClear := flag.Duration("prealarm-clear", 30*time.Second, "Pre-alarm auto-clear timeout with no STA/LTA update")
	eventPreMs := flag.Duration("event-pre-ms", 30*time.Second, "Pre-roll history window retained ahead of a trigger")
	eventWindow := flag.Duration("event-post-ms", 45*time.Second, "Post-trigger window before an alarm event closes")
	historyCapacity := flag.Int("history-capacity", 0, "Pre-roll history ring buffer size in samples (0 = event-pre-ms at --frequency)")

	queueSize := flag.Int("queue-size", 200, "Packet handler queue depth")
	packetBufferMax := flag.Int("packet-buffer-max", 4*1024*1024, "Framer buffer growth cap in bytes")
	rxChunk := flag.Int("rx-chunk", 4096, "Per-read receive chunk size in bytes")

	boardWDT := flag.Duration("board-wdt", 15*time.Second, "Board watchdog period; drives accept/read/first-packet timeout defaults")
	acceptTimeout := flag.Duration("accept-timeout", 0, "Accept watchdog timeout (0 = derive from --board-wdt)")
	readTimeout := flag.Duration("read-timeout", 0, "Steady-state read watchdog timeout (0 = derive from --board-wdt)")
	firstPacketTO := flag.Duration("first-packet-timeout", 0, "First-packet watchdog timeout after connect (0 = derive from --board-wdt)")
	autoRestartOnTimeout := flag.Bool("auto-restart-on-timeout", true, "Automatically restart the node after a watchdog recovery")

	supervisor := flag.Bool("supervisor", true, "Enable the node supervisor's health poll with backoff (it does not restart the node)")
	lockPath := flag.String("lock-file", "/var/run/shm-gateway.lock", "Single-instance lock file path")
	statusSinkURL := flag.String("sink-url", "", "HTTP collector base URL for status/alarm events; empty logs locally")
	sinkTimeout := flag.Duration("sink-timeout", 5*time.Second, "HTTP sink request timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.host = *host
	cfg.port = *port
	cfg.boardIP = *boardIP
	cfg.boardPort = *boardPort
	cfg.uuid = *uuid
	cfg.mac = *mac
	cfg.channelMap = *channelMap
	cfg.frequency = *frequency
	cfg.nreports = *nreports
	cfg.headerLen = *headerLen
	cfg.crcEnabled = *crcEnabled
	cfg.crcStrict = *crcStrict
	cfg.headerOnly = *headerOnly
	cfg.filtered = *filtered
	cfg.tsUnit = *tsUnit
	cfg.tsHeaderDrop = *tsHeaderDrop
	cfg.tsFutureSlack = *tsFutureSlack
	cfg.tsBackstepTol = *tsBackstepTol
	cfg.payloadTSCheck = *payloadTSCheck
	cfg.payloadDrop = *payloadDrop
	cfg.dataDir = *dataDir
	cfg.tempDir = *tempDir
	cfg.logDir = *logDir
	cfg.runDir = *runDir
	cfg.fileDurationSec = *fileDurationSec
	cfg.prealarmClear = *prealarmClear
	cfg.eventPreMs = *eventPreMs
	cfg.eventWindow = *eventWindow
	cfg.historyCapacity = *historyCapacity
	cfg.queueSize = *queueSize
	cfg.packetBufferMax = *packetBufferMax
	cfg.rxChunk = *rxChunk
	cfg.boardWDT = *boardWDT
	cfg.acceptTimeout = *acceptTimeout
	cfg.readTimeout = *readTimeout
	cfg.firstPacketTO = *firstPacketTO
	cfg.autoRestartOnTimeout = *autoRestartOnTimeout
	cfg.supervisor = *supervisor
	cfg.lockPath = *lockPath
	cfg.statusSinkURL = *statusSinkURL
	cfg.sinkTimeout = *sinkTimeout
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}

	applyWatchdogDefaults(cfg, setFlags)
	// A zero backstep tolerance means half a sample period, rounded up to
	// whole milliseconds.
	if cfg.tsBackstepTol == 0 && cfg.frequency > 0 {
		cfg.tsBackstepTol = int64((500 + cfg.frequency - 1) / cfg.frequency)
	}

	cfg.listenAddr = fmt.Sprintf("%s:%d", cfg.host, cfg.port)
	cfg.boardAddr = fmt.Sprintf("%s:%d", cfg.boardIP, cfg.boardPort)
	if cfg.runDir != "" {
		if _, ok := setFlags["lock-file"]; !ok {
			cfg.lockPath = filepath.Join(cfg.runDir, "shm-gateway.lock")
		}
	}

	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// applyWatchdogDefaults derives the accept/read/first-packet watchdog
// timeouts from board_wdt when neither a flag nor its environment variable
// explicitly set them: accept gets board_wdt+5s, read and first-packet get
// max(6s, board_wdt/2).
func applyWatchdogDefaults(c *appConfig, set map[string]struct{}) {
	explicit := func(flagName, env string) bool {
		if _, ok := set[flagName]; ok {
			return true
		}
		_, ok := os.LookupEnv(env)
		return ok
	}
	half := c.boardWDT / 2
	if half < 6*time.Second {
		half = 6 * time.Second
	}
	if !explicit("accept-timeout", "SENSOR_ACCEPT_TIMEOUT") {
		c.acceptTimeout = c.boardWDT + 5*time.Second
	}
	if !explicit("read-timeout", "SENSOR_READ_TIMEOUT") {
		c.readTimeout = half
	}
	if !explicit("first-packet-timeout", "SENSOR_FIRST_PACKET_TIMEOUT") {
		c.firstPacketTO = half
	}
}

// sensorConfig builds the internal/shm.SensorConfig the packet pipeline is
// driven by, from the flat flag/env configuration.
func (c *appConfig) sensorConfig() shm.SensorConfig {
	sc := shm.NewSensorConfig(c.uuid, c.mac, c.channelMap)
	sc.FrequencyHz = c.frequency
	sc.NReports = c.nreports
	sc.HeaderLen = c.headerLen
	sc.CRCEnabled = c.crcEnabled
	sc.CRCStrict = c.crcStrict
	sc.HeaderOnly = c.headerOnly
	sc.DataFiltered = c.filtered
	sc.TSUnit = shm.ParseTSUnit(c.tsUnit)
	sc.TSHeaderDropOnViolation = c.tsHeaderDrop
	sc.TSFutureSlackMs = c.tsFutureSlack
	sc.TSBackstepTolMs = c.tsBackstepTol
	return sc
}

// validate performs semantic validation of the parsed configuration. It
// does not open sockets, files, or dial the board - only checks values.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.tsUnit {
	case "auto", "ms", "us":
	default:
		return fmt.Errorf("invalid ts-unit: %s", c.tsUnit)
	}
	if err := c.sensorConfig().Valid(); err != nil {
		return fmt.Errorf("sensor config: %w", err)
	}
	if c.fileDurationSec <= 0 {
		return fmt.Errorf("file-duration must be > 0 (got %d)", c.fileDurationSec)
	}
	if c.queueSize <= 0 {
		return fmt.Errorf("queue-size must be > 0 (got %d)", c.queueSize)
	}
	if c.acceptTimeout <= 0 || c.readTimeout <= 0 || c.firstPacketTO <= 0 {
		return fmt.Errorf("accept/read/first-packet timeouts must be > 0")
	}
	if c.prealarmClear <= 0 || c.eventWindow <= 0 {
		return fmt.Errorf("prealarm-clear and event-post-ms must be > 0")
	}
	if c.historyCapacity < 0 {
		return fmt.Errorf("history-capacity must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps the recognized SENSOR_*/DATA_DIR/LOG_DIR/RUN_DIR
// environment variables onto config fields unless the corresponding flag
// was explicitly set (flags win).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setInt := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	setInt64 := func(flagName, env string, dst *int64) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	// setSecDur parses a plain integer count of seconds, the unit the
	// watchdog env vars (SENSOR_BOARD_WDT, SENSOR_ACCEPT_TIMEOUT, ...) use.
	setSecDur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Second
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	// setMsDur parses a plain integer count of milliseconds, the unit the
	// EVENT_PRE_MS/EVENT_POST_MS env vars use.
	setMsDur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Millisecond
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	setStr := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	setStr("host", "SENSOR_HOST", &c.host)
	setInt("port", "SENSOR_PORT", &c.port)
	setStr("board-ip", "SENSOR_BOARD_IP", &c.boardIP)
	setInt("board-port", "SENSOR_BOARD_PORT", &c.boardPort)
	setStr("uuid", "SENSOR_UUID", &c.uuid)

	setSecDur("board-wdt", "SENSOR_BOARD_WDT", &c.boardWDT)
	setSecDur("accept-timeout", "SENSOR_ACCEPT_TIMEOUT", &c.acceptTimeout)
	setSecDur("read-timeout", "SENSOR_READ_TIMEOUT", &c.readTimeout)
	setSecDur("first-packet-timeout", "SENSOR_FIRST_PACKET_TIMEOUT", &c.firstPacketTO)

	setBool("header-only", "SENSOR_HEADER_ONLY", &c.headerOnly)
	setBool("data-filtered", "SENSOR_DATA_FILTERED", &c.filtered)
	setBool("crc-enabled", "SENSOR_ENABLE_HEADER_CRC32", &c.crcEnabled)
	setBool("crc-strict", "SENSOR_HEADER_CRC_STRICT", &c.crcStrict)

	setStr("ts-unit", "SENSOR_TS_UNIT", &c.tsUnit)
	setInt64("ts-future-slack-ms", "SENSOR_TS_FUTURE_SLACK_MS", &c.tsFutureSlack)
	setInt64("ts-backstep-tol-ms", "SENSOR_TS_BACKSTEP_TOL_MS", &c.tsBackstepTol)
	setBool("payload-ts-check", "SENSOR_TS_CHECK_ENABLED", &c.payloadTSCheck)
	setBool("payload-ts-drop", "SENSOR_TS_DROP_ON_VIOLATION", &c.payloadDrop)
	setBool("ts-header-drop", "SENSOR_TS_HEADER_DROP_ON_VIOLATION", &c.tsHeaderDrop)

	setInt("file-duration", "SENSOR_FILE_DURATION", &c.fileDurationSec)
	setStr("data-dir", "DATA_DIR", &c.dataDir)
	setStr("log-dir", "LOG_DIR", &c.logDir)
	setStr("run-dir", "RUN_DIR", &c.runDir)

	setInt("queue-size", "PACKET_QUEUE_MAX", &c.queueSize)
	setInt("packet-buffer-max", "PACKET_BUFFER_MAX", &c.packetBufferMax)
	setInt("rx-chunk", "SENSOR_RX_CHUNK", &c.rxChunk)

	setMsDur("event-pre-ms", "EVENT_PRE_MS", &c.eventPreMs)
	setMsDur("event-post-ms", "EVENT_POST_MS", &c.eventWindow)

	setBool("supervisor", "SENSOR_SUPERVISOR_ENABLED", &c.supervisor)
	setBool("auto-restart-on-timeout", "SENSOR_AUTO_RESTART_ON_TIMEOUT", &c.autoRestartOnTimeout)

	// lock-file, sink-url, sink-timeout, log-format, log-level, metrics-addr,
	// and log-metrics-interval have no recognized environment variable;
	// they're flag-only.

	return firstErr
}
