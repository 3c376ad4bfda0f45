package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/bdube/atspec/atspec"
	"github.jpl.nasa.gov/bdube/atspec/util"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

// Config is read from ATSPECCTL_ environment variables, e.g.
// ATSPECCTL_ADDR=10.0.0.5:9999
type Config struct {
	Addr              string  `koanf:"addr"`
	Serial            bool    `koanf:"serial"`
	ConnectionTimeout float64 `koanf:"connection_timeout"`
	ResponseTimeout   float64 `koanf:"response_timeout"`
	MoveTimeout       float64 `koanf:"move_timeout"`
	PollInterval      float64 `koanf:"poll_interval"`
	MinPos            float64 `koanf:"min_pos"`
	MaxPos            float64 `koanf:"max_pos"`
	Verbose           bool    `koanf:"verbose"`
}

var k = koanf.New(".")

func loadconfig() Config {
	k.Load(structs.Provider(Config{
		Addr:              "127.0.0.1:9999",
		ConnectionTimeout: 10,
		ResponseTimeout:   atspec.DefaultResponseTimeout.Seconds(),
		MoveTimeout:       atspec.DefaultMoveTimeout.Seconds(),
		PollInterval:      atspec.DefaultPollInterval.Seconds(),
		MinPos:            0,
		MaxPos:            1000,
	}, "koanf"), nil)
	k.Load(env.Provider("ATSPECCTL_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "ATSPECCTL_"))
	}), nil)
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		logrus.Fatal(err)
	}
	return c
}

func usage() {
	str := `atspecctl talks straight to the spectrograph controller, without atspecsrv.

Usage:
	atspecctl <command> [args]

Commands:
	status [axis]        print the status of one or all axes
	home <axis>          home an axis
	move <axis> <pos>    move to a slot index, slot name or stage position (mm)
	stop                 stop every axis
	sync                 read every axis, homing a lost stage
	version

Axes are filter, disperser (or grating) and stage.
The controller address and timeouts come from ATSPECCTL_ADDR,
ATSPECCTL_RESPONSE_TIMEOUT (s), ATSPECCTL_MOVE_TIMEOUT (s) and so on.`
	fmt.Println(str)
}

// spinnerPublisher shows every transition as the spinner message
func spinnerPublisher(s *yacspin.Spinner) atspec.Publisher {
	return atspec.PublisherFunc(func(e atspec.Event) {
		s.Message(describe(e))
	})
}

func describe(e atspec.Event) string {
	switch e.Kind {
	case atspec.EventInPosition:
		if e.InPosition {
			return fmt.Sprintf("%s in position", e.Axis)
		}
		return fmt.Sprintf("%s leaving position", e.Axis)
	case atspec.EventPosition:
		if e.Slot != nil {
			return fmt.Sprintf("%s at %d (%s)", e.Axis, int(e.Position), e.Slot.Name)
		}
		return fmt.Sprintf("%s at %g", e.Axis, e.Position)
	default:
		return fmt.Sprintf("%s %s", e.Axis, e.State)
	}
}

// spinnerOut is where the spinner draws
var spinnerOut io.Writer = os.Stdout

// errUsage means the arguments were wrong; usage has been printed
var errUsage = errors.New("bad arguments")

func newSpinner(msg string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Writer:            spinnerOut,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

// withSpinner runs op while a spinner prints the controller's transitions
func withSpinner(ctx context.Context, msg string, c Config, op func(*atspec.Controller) error) error {
	spinner, err := newSpinner(msg)
	if err != nil {
		return err
	}
	ctl, link, err := dial(ctx, c, spinnerPublisher(spinner))
	if err != nil {
		return err
	}
	defer link.Disconnect()
	if err := spinner.Start(); err != nil {
		return err
	}
	err = op(ctl)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.StopMessage("done")
	return spinner.Stop()
}

func dial(ctx context.Context, c Config, pub atspec.Publisher) (*atspec.Controller, *atspec.Link, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.WarnLevel)
	if c.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	link := atspec.NewLink(atspec.LinkConfig{
		Addr:              c.Addr,
		Serial:            c.Serial,
		ConnectionTimeout: util.SecsToDuration(c.ConnectionTimeout),
		ResponseTimeout:   util.SecsToDuration(c.ResponseTimeout),
	}, log, nil)
	if err := link.Connect(ctx); err != nil {
		return nil, nil, err
	}
	ctl := atspec.NewController(link, atspec.ControllerConfig{
		Motion: atspec.MotionConfig{
			Stage:        util.Limiter{Min: c.MinPos, Max: c.MaxPos},
			MoveTimeout:  util.SecsToDuration(c.MoveTimeout),
			PollInterval: util.SecsToDuration(c.PollInterval),
		},
	}, pub, log, nil)
	return ctl, link, nil
}

func axisArg(args []string, i int) (atspec.Axis, error) {
	if len(args) <= i {
		usage()
		return 0, errUsage
	}
	return atspec.ParseAxis(args[i])
}

func printStatus(ctx context.Context, w io.Writer, ctl *atspec.Controller, a atspec.Axis) error {
	s, err := ctl.Status(ctx, a)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%-10s %s", a, s)
	if a.Discrete() && !s.InBetween {
		if slot, ok := ctl.Slots(a).At(s.Slot()); ok {
			line += " " + slot.Name
		}
	}
	fmt.Fprintln(w, line)
	return nil
}

func status(ctx context.Context, w io.Writer, c Config, args []string) error {
	axes := atspec.Axes
	if len(args) > 2 {
		a, err := axisArg(args, 2)
		if err != nil {
			return err
		}
		axes = []atspec.Axis{a}
	}
	ctl, link, err := dial(ctx, c, nil)
	if err != nil {
		return err
	}
	defer link.Disconnect()
	for _, a := range axes {
		if err := printStatus(ctx, w, ctl, a); err != nil {
			return err
		}
	}
	return nil
}

func home(ctx context.Context, c Config, args []string) error {
	a, err := axisArg(args, 2)
	if err != nil {
		return err
	}
	return withSpinner(ctx, "homing "+a.String(), c, func(ctl *atspec.Controller) error {
		return ctl.Home(ctx, a)
	})
}

func move(ctx context.Context, c Config, args []string) error {
	a, err := axisArg(args, 2)
	if err != nil {
		return err
	}
	if len(args) < 4 {
		usage()
		return errUsage
	}
	target, name := 0., ""
	if f, err := strconv.ParseFloat(args[3], 64); err == nil {
		target = f
	} else {
		name = args[3]
	}
	return withSpinner(ctx, fmt.Sprintf("moving %s to %s", a, args[3]), c, func(ctl *atspec.Controller) error {
		return ctl.Move(ctx, a, target, name)
	})
}

func main() {
	args := os.Args
	if len(args) == 1 {
		usage()
		return
	}
	c := loadconfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch strings.ToLower(args[1]) {
	case "help":
		usage()
	case "version":
		fmt.Printf("atspecctl version %v\n", Version)
	case "status":
		err = status(ctx, os.Stdout, c, args)
	case "home":
		err = home(ctx, c, args)
	case "move":
		err = move(ctx, c, args)
	case "stop":
		err = withSpinner(ctx, "stopping", c, func(ctl *atspec.Controller) error {
			return ctl.StopAll(ctx)
		})
	case "sync":
		err = withSpinner(ctx, "synchronizing", c, func(ctl *atspec.Controller) error {
			_, err := ctl.Synchronize(ctx)
			return err
		})
	default:
		logrus.Fatal("unknown command")
	}
	if errors.Is(err, errUsage) {
		stop()
		os.Exit(2)
	}
	if err != nil {
		stop()
		logrus.Fatal(err)
	}
}
