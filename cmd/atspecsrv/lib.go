package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/atspec/atspec"
	"github.jpl.nasa.gov/bdube/atspec/generichttp"
	"github.jpl.nasa.gov/bdube/atspec/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/atspec/util"
)

// DeviceSetup holds the address and timeouts of the spectrograph controller
type DeviceSetup struct {
	// Host and Port of the controller, or of a terminal server in front of it
	Host string `yaml:"host" koanf:"host"`
	Port int    `yaml:"port" koanf:"port"`

	// Serial opens Host as a serial port (e.g. /dev/ttyUSB0) and ignores Port
	Serial bool `yaml:"serial" koanf:"serial"`

	// Identifier must appear in the controller's welcome banner
	Identifier string `yaml:"identifier" koanf:"identifier"`

	// timeouts, seconds
	ConnectionTimeout float64 `yaml:"connection_timeout" koanf:"connection_timeout"`
	ResponseTimeout   float64 `yaml:"response_timeout" koanf:"response_timeout"`

	// ReconnectInterval is the pause between attempts to bring a dropped
	// link back up
	ReconnectInterval float64 `yaml:"reconnect_interval" koanf:"reconnect_interval"`

	// ConfigFile is loaded on the controller with !LDC after connecting,
	// if not empty
	ConfigFile string `yaml:"config_file" koanf:"config_file"`
}

// Addr is the address the link dials
func (d DeviceSetup) Addr() string {
	if d.Serial {
		return d.Host
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// MotionSetup holds the motion parameters; times are in seconds, positions in mm
type MotionSetup struct {
	MinPos           float64 `yaml:"min_pos" koanf:"min_pos"`
	MaxPos           float64 `yaml:"max_pos" koanf:"max_pos"`
	Tolerance        float64 `yaml:"tolerance" koanf:"tolerance"`
	MoveTimeout      float64 `yaml:"move_timeout" koanf:"move_timeout"`
	PollInterval     float64 `yaml:"poll_interval" koanf:"poll_interval"`
	HomePollInterval float64 `yaml:"home_poll_interval" koanf:"home_poll_interval"`

	// MonitorInterval paces the health loop; zero disables it
	MonitorInterval float64 `yaml:"monitor_interval" koanf:"monitor_interval"`
}

// Config is the daemon configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"addr" koanf:"addr"`

	// Endpoint is the stem the spectrograph routes are mounted under,
	// e.g. "auxtel/atspec"
	Endpoint string `yaml:"endpoint" koanf:"endpoint"`

	// LogLevel is any level logrus understands
	LogLevel string `yaml:"log_level" koanf:"log_level"`

	Device   DeviceSetup      `yaml:"device" koanf:"device"`
	Motion   MotionSetup      `yaml:"motion" koanf:"motion"`
	Filters  atspec.SlotTable `yaml:"filters" koanf:"filters"`
	Gratings atspec.SlotTable `yaml:"gratings" koanf:"gratings"`
}

// DefaultConfig is the configuration written by mkconf
func DefaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Endpoint: "atspec",
		LogLevel: "info",
		Device: DeviceSetup{
			Host:              "127.0.0.1",
			Port:              9999,
			Identifier:        atspec.DefaultIdentifier,
			ConnectionTimeout: atspec.DefaultConnectionTimeout.Seconds(),
			ResponseTimeout:   atspec.DefaultResponseTimeout.Seconds(),
			ReconnectInterval: 2,
		},
		Motion: MotionSetup{
			MinPos:           0,
			MaxPos:           1000,
			Tolerance:        atspec.DefaultTolerance,
			MoveTimeout:      atspec.DefaultMoveTimeout.Seconds(),
			PollInterval:     atspec.DefaultPollInterval.Seconds(),
			HomePollInterval: atspec.DefaultHomePollInterval.Seconds(),
			MonitorInterval:  5,
		},
		Filters:  atspec.DefaultFilters(),
		Gratings: atspec.DefaultGratings(),
	}
}

// Validate checks the configuration before anything is dialed
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is empty")
	}
	if c.Device.Host == "" {
		return fmt.Errorf("device.host is empty")
	}
	if !c.Device.Serial && (c.Device.Port <= 0 || c.Device.Port > 65535) {
		return fmt.Errorf("device.port %d is not a TCP port", c.Device.Port)
	}
	if c.Device.ConnectionTimeout <= 0 || c.Device.ResponseTimeout <= 0 || c.Device.ReconnectInterval <= 0 {
		return fmt.Errorf("device timeouts must be positive")
	}
	if c.Motion.MinPos >= c.Motion.MaxPos {
		return fmt.Errorf("motion.min_pos %g must be less than motion.max_pos %g", c.Motion.MinPos, c.Motion.MaxPos)
	}
	if c.Motion.Tolerance <= 0 {
		return fmt.Errorf("motion.tolerance must be positive, got %g", c.Motion.Tolerance)
	}
	if c.Motion.MoveTimeout <= 0 || c.Motion.PollInterval <= 0 || c.Motion.HomePollInterval <= 0 {
		return fmt.Errorf("motion timeout and poll intervals must be positive")
	}
	if c.Motion.MonitorInterval < 0 {
		return fmt.Errorf("motion.monitor_interval must not be negative")
	}
	if err := c.Filters.Validate(); err != nil {
		return fmt.Errorf("filters: %w", err)
	}
	if err := c.Gratings.Validate(); err != nil {
		return fmt.Errorf("gratings: %w", err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// LinkConfig converts the device section for atspec.NewLink
func (c Config) LinkConfig() atspec.LinkConfig {
	return atspec.LinkConfig{
		Addr:              c.Device.Addr(),
		Serial:            c.Device.Serial,
		Identifier:        c.Device.Identifier,
		ConnectionTimeout: util.SecsToDuration(c.Device.ConnectionTimeout),
		ResponseTimeout:   util.SecsToDuration(c.Device.ResponseTimeout),
		AwaitConnect:      true,
	}
}

// ControllerConfig converts the motion section and slot tables for
// atspec.NewController
func (c Config) ControllerConfig(lock atspec.Interlock) atspec.ControllerConfig {
	return atspec.ControllerConfig{
		Motion: atspec.MotionConfig{
			Stage:            util.Limiter{Min: c.Motion.MinPos, Max: c.Motion.MaxPos},
			Tolerance:        c.Motion.Tolerance,
			MoveTimeout:      util.SecsToDuration(c.Motion.MoveTimeout),
			PollInterval:     util.SecsToDuration(c.Motion.PollInterval),
			HomePollInterval: util.SecsToDuration(c.Motion.HomePollInterval),
		},
		Filters:   c.Filters,
		Gratings:  c.Gratings,
		Interlock: lock,
	}
}

// NewLogger makes the process logger at the configured level
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

// BuildMux makes the root router.  The spectrograph routes and the
// interlock are mounted under the configured endpoint, the route list is
// served on /endpoints and metrics on /metrics.
func BuildMux(c Config, ctl *atspec.Controller, events *atspec.Broadcaster, lock *locker.Locker, m *atspec.Metrics) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	httper := atspec.NewHTTPWrapper(ctl, events, nil)
	locker.Inject(httper, lock)

	hndlS := generichttp.SubMuxSanitize(c.Endpoint)
	supergraph[hndlS] = httper.RT().Endpoints()

	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(hndlS, r)

	if m != nil {
		root.Method(http.MethodGet, "/metrics", m.Handler())
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// bringUp connects the link, loads the controller configuration file if one
// is named and synchronizes the axes
func bringUp(ctx context.Context, link *atspec.Link, ctl *atspec.Controller, configFile string) error {
	if err := link.Connect(ctx); err != nil {
		return err
	}
	if configFile != "" {
		if err := link.LoadConfiguration(ctx, configFile); err != nil {
			return err
		}
	}
	_, err := ctl.Synchronize(ctx)
	return err
}

// keepAlive runs the health monitor until ctx is done.  Whenever the link
// has been torn down it is brought back up, one attempt per reconnect
// interval.
func keepAlive(ctx context.Context, link *atspec.Link, ctl *atspec.Controller, c Config, log logrus.FieldLogger) {
	retry := util.SecsToDuration(c.Device.ReconnectInterval)
	monitor := util.SecsToDuration(c.Motion.MonitorInterval)
	for ctx.Err() == nil {
		if !link.Connected() {
			if err := bringUp(ctx, link, ctl, c.Device.ConfigFile); err != nil {
				log.WithError(err).Warn("reconnect failed")
			} else {
				log.Info("reconnected")
			}
		}
		if monitor > 0 && link.Connected() {
			if err := ctl.Monitor(ctx, monitor); err != nil {
				log.WithError(err).Error("health monitor stopped")
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(retry):
		}
	}
}

// Serve connects to the controller, synchronizes the axes and serves HTTP
// until ctx is cancelled.  When simulate is true a simulated controller is
// started on a local port and the device section only supplies timeouts.
func Serve(ctx context.Context, c Config, simulate bool, log *logrus.Logger) error {
	if err := c.Validate(); err != nil {
		return err
	}
	lcfg := c.LinkConfig()
	if simulate {
		mcfg := atspec.DefaultMockConfig()
		mcfg.Stage = util.Limiter{Min: c.Motion.MinPos, Max: c.Motion.MaxPos}
		sim := atspec.NewMockDevice(mcfg, log.WithField("component", "sim"))
		addr, err := sim.Start("127.0.0.1:0")
		if err != nil {
			return err
		}
		defer sim.Close()
		lcfg.Addr = addr
		lcfg.Serial = false
		log.WithField("addr", addr).Info("simulated controller started")
	}

	m, err := atspec.NewMetrics(nil)
	if err != nil {
		return err
	}
	link := atspec.NewLink(lcfg, log.WithField("component", "link"), m)
	lock := locker.New()
	events := atspec.NewBroadcaster()
	defer events.Close()
	ctl := atspec.NewController(link, c.ControllerConfig(lock), events, log.WithField("component", "motion"), m)
	defer link.Disconnect()
	if err := bringUp(ctx, link, ctl, c.Device.ConfigFile); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go keepAlive(ctx, link, ctl, c, log.WithField("component", "keepalive"))

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(c, ctl, events, lock, m)}
	errs := make(chan error, 1)
	go func() {
		log.WithField("addr", c.Addr).Info("now listening for requests")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
