package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "atspecsrv.yml"

	// EnvPrefix marks environment variables that override the file.  Nested
	// keys are separated by a double underscore, e.g.
	// ATSPEC_DEVICE__HOST=10.0.0.5
	EnvPrefix = "ATSPEC_"

	k = koanf.New(".")
)

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "__", ".", -1)
}

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) { // file missing, who cares
			logrus.Fatalf("error loading config: %v", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		logrus.Fatalf("error loading environment: %v", err)
	}
}

func loadconfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		logrus.Fatal(err)
	}
	return c
}

func root() {
	str := `atspecsrv drives the auxiliary telescope spectrograph (filter wheel, grating
wheel and linear stage) and exposes an HTTP interface to it.

Usage:
	atspecsrv <command>

Commands:
	run
	sim
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `atspecsrv is amenable to configuration via its .yml file, atspecsrv.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html
mkconf writes the defaults to that file; conf prints the configuration in effect.

Any key may be overridden from the environment with the ATSPEC_ prefix, nested
keys are joined by a double underscore:
	ATSPEC_DEVICE__HOST=192.168.1.40
	ATSPEC_MOTION__MOVE_TIMEOUT=90

run connects to the controller at device.host:device.port.  sim starts a
simulated controller on a local port and connects to that instead.  A link
that drops is redialed every device.reconnect_interval.

All times are in seconds, stage positions in mm.

Routes, under /<endpoint>:
	GET  /axis/{filter,disperser,stage}/status
	POST /axis/{axis}/home
	POST /axis/{axis}/pos    {"f64": 2}
	POST /axis/{axis}/slot   {"str": "ronchi90lpmm"}
	POST /stop
	GET  /stage/limit
	GET  /stage/limitswitch
	GET  /stage/tolerance
	GET  /slots/{filter,disperser}
	GET  /events             (websocket)
	GET  /interlock
	POST /interlock          {"bool": true}
and /endpoints, /metrics at the root.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		logrus.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		logrus.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		logrus.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("atspecsrv version %v\n", Version)
}

func run(simulate bool) {
	c := loadconfig()
	log := NewLogger(c.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := Serve(ctx, c, simulate, log)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("atspecsrv stopped")
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run(false)
		return
	case "sim":
		run(true)
		return
	case "version":
		pversion()
		return
	default:
		logrus.Fatal("unknown command")
	}
}
