// Command mced is the Mode Control Entity daemon's entrypoint: it
// parses CLI flags, loads the daemon's own operational configuration,
// constructs the fabric (datapipes, settings store, filename watcher)
// and the policy subsystems that ride on top of it (PSM evaluator,
// call-state aggregator, thermal sampler), wires them through the bus
// facade, and runs the cooperative event loop until terminated.
package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/bus"
	"github.com/christophe-duc/mce/pkg/callstate"
	"github.com/christophe-duc/mce/pkg/config"
	"github.com/christophe-duc/mce/pkg/datapipe"
	"github.com/christophe-duc/mce/pkg/filewatch"
	mcelog "github.com/christophe-duc/mce/pkg/log"
	"github.com/christophe-duc/mce/pkg/loop"
	"github.com/christophe-duc/mce/pkg/psm"
	"github.com/christophe-duc/mce/pkg/settings"
	"github.com/christophe-duc/mce/pkg/thermal"
	"github.com/christophe-duc/mce/pkg/value"
)

const defaultVersion = "unversioned"

var (
	commit      string
	version     = defaultVersion
	date        string
	buildSource = "unknown"

	configFlag    = false
	debuggingFlag = false
	appName       = "mced"
	settingsDir   = ""
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, buildSource, commit, runtime.GOOS, runtime.GOARCH,
	)

	flaggy.SetName("mced")
	flaggy.SetDescription("The mode control entity daemon")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/christophe-duc/mce"

	flaggy.Bool(&configFlag, "c", "config", "Print the default daemon config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Enable debug logging")
	flaggy.String(&appName, "n", "app-name", "Application name used for the config/settings directories")
	flaggy.String(&settingsDir, "s", "settings-dir", "Override the settings store's /etc override directory")
	flaggy.SetVersion(info)
	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		if err := encoder.Encode(config.GetDefaultConfig()); err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%v\n", buf.String())
		os.Exit(0)
	}

	appConfig, err := config.NewAppConfig(appName, version, commit, date, buildSource, debuggingFlag)
	if err != nil {
		log.Fatal(err.Error())
	}
	if settingsDir != "" {
		appConfig.UserConfig.Settings.EtcDir = settingsDir
	}

	logger := mcelog.NewLogger(appConfig)

	d := newDaemon(appConfig, logger)
	if err := d.start(); err != nil {
		logger.Fatalf("mced: startup failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		d.l.Stop()
	}()

	d.l.Run()
	d.stop()
}

func updateBuildInfo() {
	if version == defaultVersion {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				if len(revision.Value) >= 7 {
					version = revision.Value[:7]
				} else {
					version = revision.Value
				}
			}

			buildTime, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.time"
			})
			if ok {
				date = buildTime.Value
			}
		}
	}
}

// settingsDefaults enumerates the built-in defaults of spec.md §4.E's
// three PSM settings, loaded before any /etc override or user file.
func settingsDefaults() []settings.Default {
	return []settings.Default{
		{Key: "enable_psm", Tag: value.Bool, DefaultText: "false"},
		{Key: "force_psm", Tag: value.Bool, DefaultText: "false"},
		{Key: "psm_threshold", Tag: value.Int, DefaultText: "20"},
	}
}

// daemon owns every long-lived component and their teardown order,
// mirroring the teacher's app.App grouping its own subsystems behind
// one Close.
type daemon struct {
	cfg *config.AppConfig
	log *logrus.Entry

	l        *loop.Loop
	registry *datapipe.Registry
	store    *settings.Store
	conn     *bus.Bus

	batteryPipe   *datapipe.Datapipe
	chargerPipe   *datapipe.Datapipe
	thermalPipe   *datapipe.Datapipe
	thermalSample *datapipe.Datapipe
	activePipe    *datapipe.Datapipe
	callStatePipe *datapipe.Datapipe
	callTypePipe  *datapipe.Datapipe

	evaluator     *psm.Evaluator
	aggregator    *callstate.Aggregator
	sampler       *thermal.Sampler
	telephony     *bus.TelephonyWatcher
	settingsWatch *filewatch.Watch
}

func newDaemon(cfg *config.AppConfig, logger *logrus.Entry) *daemon {
	return &daemon{cfg: cfg, log: logger}
}

func (d *daemon) start() error {
	d.l = loop.New()
	d.registry = datapipe.NewRegistry()

	conn, err := bus.Connect(d.cfg.UserConfig.Bus.Which, d.log)
	if err != nil {
		return fmt.Errorf("mced: bus connect: %w", err)
	}
	d.conn = conn

	d.store = settings.NewStore(settings.Config{
		AppName:      d.cfg.Name,
		EtcDir:       d.cfg.EtcDir(),
		UserFilePath: d.cfg.UserFilePath(),
		Bus:          conn,
		Log:          d.log,
	})
	if err := d.store.Load(settingsDefaults()); err != nil {
		d.log.Warnf("mced: settings load: %v", err)
	}

	d.buildPipes()

	d.evaluator = psm.New(psm.Config{
		BatteryLevel: d.batteryPipe,
		ChargerState: d.chargerPipe,
		ThermalState: d.thermalPipe,
		ActivePipe:   d.activePipe,
		Settings:     d.store,
		Loop:         d.l,
		Signaler:     conn,
		Log:          d.log,
	})
	d.evaluator.Wire()

	d.aggregator = callstate.New(callstate.Config{
		CallStatePipe: d.callStatePipe,
		CallTypePipe:  d.callTypePipe,
		Loop:          d.l,
		Signaler:      conn,
		Log:           d.log,
	})

	d.sampler = thermal.New(thermal.Config{
		SamplePipe:           d.thermalSample,
		StatePipe:            d.thermalPipe,
		OvertempMilliDegrees: 60000,
		Loop:                 d.l,
		Log:                  d.log,
	})
	d.sampler.Wire()

	if err := conn.ExportHandlers(bus.Handlers{
		DisplayStatusGet: func() (string, error) {
			return "on", nil
		},
		CallStateGet: func() (string, string, error) {
			state, typ := d.aggregator.Query()
			return state, typ, nil
		},
		CallStateChange: d.aggregator.RequestChange,
		PSMStateGet: func() (bool, error) {
			return d.evaluator.Active(), nil
		},
	}); err != nil {
		return fmt.Errorf("mced: export handlers: %w", err)
	}

	if err := conn.RequestName(); err != nil {
		return fmt.Errorf("mced: request name: %w", err)
	}

	d.telephony = bus.NewTelephonyWatcher(conn, d.aggregator, d.l, d.log)
	if err := d.telephony.Start(); err != nil {
		return fmt.Errorf("mced: telephony watcher: %w", err)
	}

	watch, err := filewatch.New(filepath.Dir(d.cfg.UserFilePath()), filepath.Base(d.cfg.UserFilePath()), func(dir, filename string) {
		d.log.Warnf("mced: settings file %s/%s may have changed on disk; restart to pick up edits", dir, filename)
	}, nil, d.l, d.log)
	if err != nil {
		d.log.Warnf("mced: settings file watch unavailable: %v", err)
	} else {
		d.settingsWatch = watch
	}

	return nil
}

func (d *daemon) buildPipes() {
	d.batteryPipe = datapipe.New(datapipe.Config{Name: "battery_level", Tag: value.Int, Policy: datapipe.CacheOutdata, Loop: d.l, Log: d.log})
	d.chargerPipe = datapipe.New(datapipe.Config{Name: "charger_state", Tag: value.Int, Policy: datapipe.CacheOutdata, Loop: d.l, Log: d.log})
	d.thermalPipe = datapipe.New(datapipe.Config{Name: "thermal_state", Tag: value.Int, Policy: datapipe.CacheOutdata, Loop: d.l, Log: d.log})
	d.thermalSample = datapipe.New(datapipe.Config{Name: "thermal_sample", Tag: value.List, ElementTag: value.Int, ElementSize: thermal.SampleElementSize, Policy: datapipe.CacheIndata, Loop: d.l, Log: d.log})
	d.activePipe = datapipe.New(datapipe.Config{Name: "power_saving_mode_active", Tag: value.Bool, Policy: datapipe.CacheOutdata, Loop: d.l, Log: d.log})
	d.callStatePipe = datapipe.New(datapipe.Config{Name: "call_state", Tag: value.String, Policy: datapipe.CacheOutdata, Loop: d.l, Log: d.log})
	d.callTypePipe = datapipe.New(datapipe.Config{Name: "call_type", Tag: value.String, Policy: datapipe.CacheOutdata, Loop: d.l, Log: d.log})

	for _, p := range []*datapipe.Datapipe{d.batteryPipe, d.chargerPipe, d.thermalPipe, d.thermalSample, d.activePipe, d.callStatePipe, d.callTypePipe} {
		if err := d.registry.Register(p); err != nil {
			d.log.Warnf("mced: registering pipe %s: %v", p.Name(), err)
		}
	}
}

func (d *daemon) stop() {
	if d.settingsWatch != nil {
		d.settingsWatch.Close()
	}
	if d.telephony != nil {
		d.telephony.Stop()
	}
	if d.sampler != nil {
		d.sampler.Unwire()
	}
	if d.evaluator != nil {
		d.evaluator.Unwire()
	}
	if d.aggregator != nil {
		d.aggregator.Close()
	}
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.log.Warnf("mced: bus close: %v", err)
		}
	}
}
