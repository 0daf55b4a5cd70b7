package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/ranging_survey/internal/geodesy"
	"github.com/relabs-tech/ranging_survey/internal/gps"
	"github.com/relabs-tech/ranging_survey/internal/ranging"
	"github.com/relabs-tech/ranging_survey/internal/survey"
	"github.com/relabs-tech/ranging_survey/internal/trilateration"
)

// Config holds all application configuration values.
type Config struct {
	// Navigation stream
	NavProtocol       string
	NavAddr           string
	NavPort           int
	NavBuffer         int
	NavConnectTimeout int // milliseconds
	NavReplayFile     string

	// Deckbox
	RangingSerialPort      string
	RangingBaudRate        int
	RangingParity          string
	RangingStopBits        int
	RangingDataBits        int
	RangingTimeout         int     // milliseconds
	RangingTurnTime        float64 // milliseconds
	RangingSoundSpeed      float64 // m/s
	RangingUpperGate       int     // milliseconds, 0 leaves the deckbox setting alone
	RangingReplayFile      string
	RangingTimestampOffset float64 // seconds added to replayed deckbox times
	RangingFieldTx         int
	RangingFieldRx         int
	RangingFieldTime       int

	// Replay and clock
	ReplaySpeed    float64
	ReplayStart    string  // HH:MM:SS[.fff], empty anchors to the first fix
	ClockTolerance float64 // seconds, 0 disables the live clock check

	// A priori target position; depth is positive down.
	AprioriLat   float64
	AprioriLon   float64
	AprioriDepth float64
	HasApriori   bool

	// Solver
	SolverMinRange       float64
	SolverOutlierSigma   float64
	SolverMaxDepthFactor float64
	SolverDepthMargin    float64
	SolverAprioriOffset  float64

	// MQTT
	MQTTBroker       string
	MQTTClientID     string
	TopicObservation string
	TopicResult      string
	TopicNavFix      string

	// Web Server
	WebServerPort int

	// Logging
	LogDir    string
	LogPrefix string
	LogRaw    bool
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	solver := trilateration.DefaultConfig()
	return &Config{
		NavProtocol:       string(gps.UDP),
		NavAddr:           "0.0.0.0",
		NavPort:           gps.DefaultPort,
		NavBuffer:         gps.DefaultBuffer,
		NavConnectTimeout: int(gps.DefaultConnectTimeout / time.Millisecond),

		RangingBaudRate:   9600,
		RangingParity:     "N",
		RangingStopBits:   1,
		RangingDataBits:   8,
		RangingTimeout:    100,
		RangingTurnTime:   float64(ranging.DefaultAcoustic.TurnTime) / float64(time.Millisecond),
		RangingSoundSpeed: ranging.DefaultAcoustic.SoundSpeed,
		RangingFieldTx:    ranging.DefaultLayout.Tx,
		RangingFieldRx:    ranging.DefaultLayout.Rx,
		RangingFieldTime:  ranging.DefaultLayout.TravelTime,

		ReplaySpeed:    1,
		ClockTolerance: survey.DefaultClockTolerance.Seconds(),

		SolverMinRange:       solver.MinRange,
		SolverOutlierSigma:   solver.OutlierSigma,
		SolverMaxDepthFactor: solver.MaxDepthFactor,
		SolverDepthMargin:    solver.DepthMargin,
		SolverAprioriOffset:  solver.AprioriOffset,

		MQTTClientID:     "ranging_survey",
		TopicObservation: "survey/observation",
		TopicResult:      "survey/result",
		TopicNavFix:      "survey/nav/fix",

		WebServerPort: 8080,

		LogDir:    "./logs",
		LogPrefix: "SURVEY",
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Navigation
	case "NAV_PROTOCOL":
		c.NavProtocol = strings.ToUpper(value)
	case "NAV_ADDR":
		c.NavAddr = value
	case "NAV_PORT":
		c.NavPort, err = atoi(key, value)
	case "NAV_BUFFER":
		c.NavBuffer, err = atoi(key, value)
	case "NAV_CONNECT_TIMEOUT_MS":
		c.NavConnectTimeout, err = atoi(key, value)
	case "NAV_REPLAY_FILE":
		c.NavReplayFile = value

	// Deckbox
	case "RANGING_SERIAL_PORT":
		c.RangingSerialPort = value
	case "RANGING_BAUD_RATE":
		c.RangingBaudRate, err = atoi(key, value)
	case "RANGING_PARITY":
		c.RangingParity = strings.ToUpper(value)
	case "RANGING_STOP_BITS":
		c.RangingStopBits, err = atoi(key, value)
	case "RANGING_DATA_BITS":
		c.RangingDataBits, err = atoi(key, value)
	case "RANGING_TIMEOUT_MS":
		c.RangingTimeout, err = atoi(key, value)
	case "RANGING_TURN_TIME_MS":
		c.RangingTurnTime, err = atof(key, value)
	case "RANGING_SOUND_SPEED":
		c.RangingSoundSpeed, err = atof(key, value)
	case "RANGING_UPPER_GATE_MS":
		c.RangingUpperGate, err = atoi(key, value)
	case "RANGING_REPLAY_FILE":
		c.RangingReplayFile = value
	case "RANGING_TIMESTAMP_OFFSET":
		c.RangingTimestampOffset, err = atof(key, value)
	case "RANGING_FIELD_TX":
		c.RangingFieldTx, err = atoi(key, value)
	case "RANGING_FIELD_RX":
		c.RangingFieldRx, err = atoi(key, value)
	case "RANGING_FIELD_TIME":
		c.RangingFieldTime, err = atoi(key, value)

	// Replay and clock
	case "REPLAY_SPEED":
		c.ReplaySpeed, err = atof(key, value)
	case "REPLAY_START":
		c.ReplayStart = value
	case "CLOCK_TOLERANCE_S":
		c.ClockTolerance, err = atof(key, value)

	// A priori
	case "APRIORI_LAT":
		c.AprioriLat, err = atof(key, value)
		c.HasApriori = true
	case "APRIORI_LON":
		c.AprioriLon, err = atof(key, value)
		c.HasApriori = true
	case "APRIORI_DEPTH":
		c.AprioriDepth, err = atof(key, value)
		c.HasApriori = true

	// Solver
	case "SOLVER_MIN_RANGE":
		c.SolverMinRange, err = atof(key, value)
	case "SOLVER_OUTLIER_SIGMA":
		c.SolverOutlierSigma, err = atof(key, value)
	case "SOLVER_MAX_DEPTH_FACTOR":
		c.SolverMaxDepthFactor, err = atof(key, value)
	case "SOLVER_DEPTH_MARGIN":
		c.SolverDepthMargin, err = atof(key, value)
	case "SOLVER_APRIORI_OFFSET":
		c.SolverAprioriOffset, err = atof(key, value)

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_OBSERVATION":
		c.TopicObservation = value
	case "TOPIC_RESULT":
		c.TopicResult = value
	case "TOPIC_NAV_FIX":
		c.TopicNavFix = value

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = atoi(key, value)

	// Logging
	case "LOG_DIR":
		c.LogDir = value
	case "LOG_PREFIX":
		c.LogPrefix = value
	case "LOG_RAW":
		c.LogRaw, err = strconv.ParseBool(value)
		if err != nil {
			err = fmt.Errorf("invalid LOG_RAW %q: %w", value, err)
		}

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func atoi(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func atof(key, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return f, nil
}

// validate checks that the values are consistent.
func (c *Config) validate() error {
	if (c.NavReplayFile == "") != (c.RangingReplayFile == "") {
		return fmt.Errorf("NAV_REPLAY_FILE and RANGING_REPLAY_FILE must be given together")
	}
	if c.NavPort < 1 || c.NavPort > 65535 {
		return fmt.Errorf("NAV_PORT must be 1-65535, got %d", c.NavPort)
	}
	if c.NavBuffer <= 0 {
		return fmt.Errorf("NAV_BUFFER must be positive, got %d", c.NavBuffer)
	}
	if c.ReplaySpeed <= 0 {
		return fmt.Errorf("REPLAY_SPEED must be positive, got %g", c.ReplaySpeed)
	}
	if c.ReplayStart != "" {
		if _, err := gps.ParseClock(c.ReplayStart); err != nil {
			return fmt.Errorf("invalid REPLAY_START: %w", err)
		}
	}
	if c.ClockTolerance < 0 {
		return fmt.Errorf("CLOCK_TOLERANCE_S must not be negative, got %g", c.ClockTolerance)
	}
	if c.RangingSoundSpeed <= 0 {
		return fmt.Errorf("RANGING_SOUND_SPEED must be positive, got %g", c.RangingSoundSpeed)
	}
	if c.RangingUpperGate < 0 || c.RangingUpperGate > 99999 {
		return fmt.Errorf("RANGING_UPPER_GATE_MS must be 0-99999, got %d", c.RangingUpperGate)
	}
	if err := c.Layout().Validate(); err != nil {
		return err
	}
	if c.HasApriori {
		if c.AprioriLat < -90 || c.AprioriLat > 90 {
			return fmt.Errorf("APRIORI_LAT must be within [-90, 90], got %g", c.AprioriLat)
		}
		if c.AprioriLon < -180 || c.AprioriLon > 180 {
			return fmt.Errorf("APRIORI_LON must be within [-180, 180], got %g", c.AprioriLon)
		}
	}
	if err := c.Solver().Validate(); err != nil {
		return err
	}
	if c.WebServerPort < 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 0-65535, got %d", c.WebServerPort)
	}
	return nil
}

// Replay reports whether the configuration replays recorded files.
func (c *Config) Replay() bool {
	return c.NavReplayFile != ""
}

// NavParams returns the live navigation connection parameters.
func (c *Config) NavParams() (gps.IPParams, error) {
	return gps.NewIPParams(c.NavProtocol, c.NavAddr, c.NavPort, c.NavBuffer,
		time.Duration(c.NavConnectTimeout)*time.Millisecond)
}

// SerialParams returns the deckbox serial parameters.
func (c *Config) SerialParams() (ranging.SerialParams, error) {
	return ranging.NewSerialParams(c.RangingSerialPort, c.RangingBaudRate, c.RangingParity,
		c.RangingStopBits, c.RangingDataBits, time.Duration(c.RangingTimeout)*time.Millisecond)
}

// Acoustic returns the travel time to range constants.
func (c *Config) Acoustic() ranging.Acoustic {
	return ranging.Acoustic{
		TurnTime:   time.Duration(c.RangingTurnTime * float64(time.Millisecond)),
		SoundSpeed: c.RangingSoundSpeed,
	}
}

// Layout returns the range report field positions.
func (c *Config) Layout() ranging.Layout {
	return ranging.Layout{Tx: c.RangingFieldTx, Rx: c.RangingFieldRx, TravelTime: c.RangingFieldTime}
}

// Sync returns the synchronizer configuration.
func (c *Config) Sync() survey.Config {
	cfg := survey.DefaultConfig()
	cfg.Layout = c.Layout()
	cfg.Acoustic = c.Acoustic()
	cfg.ClockTolerance = time.Duration(c.ClockTolerance * float64(time.Second))
	return cfg
}

// Solver returns the trilateration rules.
func (c *Config) Solver() trilateration.Config {
	cfg := trilateration.DefaultConfig()
	cfg.MinRange = c.SolverMinRange
	cfg.OutlierSigma = c.SolverOutlierSigma
	cfg.MaxDepthFactor = c.SolverMaxDepthFactor
	cfg.DepthMargin = c.SolverDepthMargin
	cfg.AprioriOffset = c.SolverAprioriOffset
	return cfg
}

// Apriori returns the configured a priori target position, or nil.
func (c *Config) Apriori() *geodesy.Geodetic {
	if !c.HasApriori {
		return nil
	}
	return &geodesy.Geodetic{Lat: c.AprioriLat, Lon: c.AprioriLon, Height: -c.AprioriDepth}
}

// ReplayEpoch returns the configured replay start as an offset into the replay day.
func (c *Config) ReplayEpoch() (time.Duration, bool) {
	if c.ReplayStart == "" {
		return 0, false
	}
	d, err := gps.ParseClock(c.ReplayStart)
	if err != nil {
		return 0, false
	}
	return d, true
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
