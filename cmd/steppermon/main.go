// steppermon monitors the stepper drivers of a machine: it polls their
// status, steps the current down on sustained overtemperature warnings,
// halts on persistent faults and accepts the driver M-codes from the
// console and the API.
//
// Usage:
//
//	steppermon -config ~/steppermon.cfg [options]
//
// Options:
//
//	-config string    Machine configuration file (required)
//	-logfile string   Also log to a size-rotated file
//	-v                Debug logging
//	-console          Read M-codes from stdin (default true)
//
// Examples:
//
//	# Run with the API and metrics endpoints from the config
//	steppermon -config ~/steppermon.cfg
//
//	# Run detached, logging to a file
//	steppermon -config /etc/steppermon.cfg -console=false -logfile /var/log/steppermon.log
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"steppermon/pkg/api"
	"steppermon/pkg/bus"
	"steppermon/pkg/config"
	"steppermon/pkg/gcode"
	"steppermon/pkg/log"
	"steppermon/pkg/machine"
	"steppermon/pkg/metrics"
	"steppermon/pkg/monitor"
	"steppermon/pkg/reactor"
	"steppermon/pkg/safety"
	"steppermon/pkg/settings"
	"steppermon/pkg/stepper"
	"steppermon/pkg/tuning"
)

func main() {
	configFile := flag.String("config", "", "Machine configuration file (required)")
	logFile := flag.String("logfile", "", "Also log to this file, rotated by size")
	verbose := flag.Bool("v", false, "Debug logging")
	console := flag.Bool("console", true, "Read M-codes from stdin")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.Default()
	if *verbose {
		logger.SetLevel(log.DEBUG)
	}
	if *logFile != "" {
		fw, err := log.AttachFile(logger, log.RotationConfig{Filename: *logFile, Compress: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer fw.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var in io.Reader
	if *console {
		in = os.Stdin
	}
	if err := run(ctx, *configFile, in); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, in io.Reader) error {
	logger := log.GetLogger("main")

	cfg, err := config.LoadMachine(path)
	if err != nil {
		return err
	}
	m, err := machine.Open(cfg, bus.NewRegistry())
	if err != nil {
		return err
	}
	defer m.Close()

	sm := safety.New()
	sm.SetWatchdogTimeout(cfg.Monitor.WatchdogTimeout)
	for _, chip := range m.Chips() {
		sm.Register(chip)
	}

	dm := metrics.NewDriverMetrics()
	observers := []stepper.Observer{dm.Observe}
	var apiSrv *api.Server
	if cfg.API.Listen != "" {
		apiSrv = api.New(api.Config{Addr: cfg.API.Listen})
		observers = append(observers, apiSrv.Publish)
		sm.OnHalt(apiSrv.PublishHalt)
	}

	tuneOpts := []tuning.Option{
		tuning.WithCurrentFloor(cfg.Monitor.CurrentFloor),
		tuning.WithGate(sm),
	}
	monOpts := []monitor.Option{
		monitor.WithHalter(sm),
		monitor.WithHeartbeat(sm),
		monitor.WithSweepTimer(dm.ObserveSweep),
	}
	for _, o := range observers {
		tuneOpts = append(tuneOpts, tuning.WithObserver(o))
		monOpts = append(monOpts, monitor.WithObserver(o))
	}
	tuner := tuning.New(m.Set, m.Lock, tuneOpts...)
	mon := monitor.New(cfg.Monitor.Config, m.Set, m.Lock, tuner, monOpts...)
	sm.OnReset(mon.Resume)

	store, err := openStore(cfg.Settings)
	if err != nil {
		return err
	}
	restoreSettings(store, tuner, logger)

	disp := gcode.New(m.Set, m.Lock, tuner, gcode.WithReporter(mon), gcode.WithStore(store))

	r := reactor.New()
	r.Run()
	cmds := onReactor{r: r, disp: disp}
	mon.Start(r)
	if cfg.Monitor.WatchdogTimeout > 0 {
		sm.StartWatchdog()
	}

	errCh := make(chan error, 2)

	var metricsSrv *metrics.Server
	if cfg.Metrics.Listen != "" {
		dm.Bind(m.Set.All, mon)
		metricsSrv = metrics.NewServer(dm, metrics.ServerConfig{
			Address:  cfg.Metrics.Listen,
			Username: cfg.Metrics.Username,
			Password: cfg.Metrics.Password,
		})
		metricsSrv.SetHealthCheck(func() bool { return !sm.IsHalted() })
		go func() {
			if err := metricsSrv.Start(); err != nil {
				errCh <- err
			}
		}()
	}
	if apiSrv != nil {
		apiSrv.SetBackend(&api.Machine{Set: m.Set, Lock: m.Lock, Tuner: tuner, Commands: cmds, Safety: sm})
		go func() {
			if err := apiSrv.Start(); err != nil {
				errCh <- err
			}
		}()
	}
	if in != nil {
		go runConsole(in, os.Stdout, cmds)
	}

	logger.Info("steppermon running with %d drivers", m.Set.Len())
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.WithError(err).Error("server failed")
	}

	mon.Stop()
	r.End()
	r.Wait()
	sm.StopWatchdog()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if apiSrv != nil {
		apiSrv.Stop(shutdownCtx)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	return err
}

func openStore(path string) (*settings.Store, error) {
	store, err := settings.Open(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(store.Path()), 0o755); err != nil {
		return nil, fmt.Errorf("settings directory: %w", err)
	}
	return store, nil
}

// restoreSettings applies the stored blob over the config defaults. A
// missing or unreadable blob leaves the defaults in place.
func restoreSettings(store *settings.Store, tuner *tuning.Manager, logger *log.Logger) {
	entry := logger.WithField("path", store.Path())
	states, err := store.Load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		entry.Info("no stored settings, using config defaults")
		return
	case err != nil:
		entry.WithError(err).Warn("ignoring stored settings")
		return
	}
	if err := tuner.Apply(states); err != nil {
		entry.WithError(err).Warn("could not apply stored settings")
		return
	}
	entry.Info("stored settings restored")
}

// onReactor runs console and API commands on the reactor goroutine so
// they never interleave with a poll sweep.
type onReactor struct {
	r    *reactor.Reactor
	disp *gcode.Dispatcher
}

func (o onReactor) run(fn func() (string, error)) (out string, err error) {
	if cerr := o.r.Call(context.Background(), func() error {
		out, err = fn()
		return nil
	}); cerr != nil {
		return "", cerr
	}
	return out, err
}

func (o onReactor) Execute(line string) (string, error) {
	return o.run(func() (string, error) { return o.disp.Execute(line) })
}

func (o onReactor) ExecuteScript(script string) (string, error) {
	return o.run(func() (string, error) { return o.disp.ExecuteScript(script) })
}

func (o onReactor) Help() string { return o.disp.Help() }

type console interface {
	Execute(line string) (string, error)
	Help() string
}

// runConsole executes one M-code per input line, answering "ok" or
// "Error:" like a printer host.
func runConsole(in io.Reader, out io.Writer, disp console) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "help") {
			io.WriteString(out, disp.Help())
			continue
		}
		text, err := disp.Execute(line)
		io.WriteString(out, text)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		io.WriteString(out, "ok\n")
	}
}
