// Command irrigationd drives a garden irrigation valve from soil sensors,
// one-shot schedules and operator commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/controller"
	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/sensor"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/store"
	"github.com/sweeney/irrigation-controller/internal/valve"
	"github.com/sweeney/irrigation-controller/internal/web"
)

type options struct {
	tick            time.Duration
	actuatorTimeout time.Duration
	heartbeat       time.Duration
	httpAddr        string
	broker          string
	clientID        string
	sensorSource    string
	sensorMaxAge    time.Duration
	soilDryRaw      int
	soilWetRaw      int
	simMoisture     float64
	valveDriver     string
	valvePin        int
	valveActiveLow  bool
	dbPath          string
	historyInterval time.Duration
	retention       time.Duration
	influx          history.InfluxConfig
	timezone        string
	logLevel        string
	logPretty       bool
	printState      bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("irrigationd", flag.ContinueOnError)
	fs.DurationVar(&o.tick, "tick", 5*time.Second, "Control loop period")
	fs.DurationVar(&o.actuatorTimeout, "actuator-timeout", 10*time.Second, "Maximum time for one valve command")
	fs.DurationVar(&o.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	fs.StringVar(&o.httpAddr, "http", ":8000", "HTTP API address (empty to disable)")
	fs.StringVar(&o.broker, "broker", "tcp://192.168.1.200:1883", "MQTT broker address (empty to disable publishing)")
	fs.StringVar(&o.clientID, "mqtt-client-id", "irrigationd", "MQTT client ID")
	fs.StringVar(&o.sensorSource, "sensor-source", "mqtt", "Sensor readings: mqtt or sim")
	fs.DurationVar(&o.sensorMaxAge, "sensor-max-age", 5*time.Minute, "Readings older than this are treated as absent")
	fs.IntVar(&o.soilDryRaw, "soil-dry-raw", 3000, "Raw soil ADC value in dry soil")
	fs.IntVar(&o.soilWetRaw, "soil-wet-raw", 1200, "Raw soil ADC value in saturated soil")
	fs.Float64Var(&o.simMoisture, "sim-moisture", 0.42, "Initial moisture for --sensor-source=sim")
	fs.StringVar(&o.valveDriver, "valve", "gpio", "Valve driver: gpio or sim")
	fs.IntVar(&o.valvePin, "valve-pin", valve.DefaultPin, "BCM pin number driving the valve relay")
	fs.BoolVar(&o.valveActiveLow, "valve-active-low", true, "Relay energises on a low level")
	fs.StringVar(&o.dbPath, "db", "irrigation.db", "SQLite database path")
	fs.DurationVar(&o.historyInterval, "history-interval", time.Minute, "Reading history interval (0 to disable)")
	fs.DurationVar(&o.retention, "history-retention", 30*24*time.Hour, "Reading history retention (0 keeps forever)")
	fs.StringVar(&o.influx.URL, "influx-url", "", "InfluxDB URL (empty to disable export)")
	fs.StringVar(&o.influx.Token, "influx-token", "", "InfluxDB token")
	fs.StringVar(&o.influx.Org, "influx-org", "", "InfluxDB organisation")
	fs.StringVar(&o.influx.Bucket, "influx-bucket", "irrigation", "InfluxDB bucket")
	fs.StringVar(&o.influx.Site, "influx-site", "garden", "Site tag added to exported points")
	fs.StringVar(&o.timezone, "tz", "", "IANA time zone for schedules, window and budget (default: local)")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fs.BoolVar(&o.logPretty, "log-pretty", false, "Human-readable console logs instead of JSON")
	fs.BoolVar(&o.printState, "print-state", false, "Print the persisted state and exit")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.tick <= 0 {
		return o, errors.New("--tick must be positive")
	}
	if o.sensorSource != "mqtt" && o.sensorSource != "sim" {
		return o, fmt.Errorf("--sensor-source: unknown source %q", o.sensorSource)
	}
	if o.sensorSource == "mqtt" && o.broker == "" {
		return o, errors.New("--sensor-source=mqtt requires --broker")
	}
	if o.valveDriver != "gpio" && o.valveDriver != "sim" {
		return o, fmt.Errorf("--valve: unknown driver %q", o.valveDriver)
	}
	if cal := (sensor.Calibration{DryRaw: o.soilDryRaw, WetRaw: o.soilWetRaw}); !cal.Valid() {
		return o, errors.New("--soil-dry-raw must be greater than --soil-wet-raw")
	}
	return o, nil
}

func setupLogging(w io.Writer, level string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := setupLogging(os.Stderr, o.logLevel, o.logPretty); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(o); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("--tz: %w", err)
	}
	return loc, nil
}

// historySinks builds the reading sinks. The returned func closes them.
func historySinks(o options, db *store.Store) ([]history.Sink, func(), error) {
	sinks := []history.Sink{history.NewStoreSink(db)}
	if o.influx.URL == "" {
		return sinks, func() {}, nil
	}
	is, err := history.NewInfluxSink(o.influx)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("url", o.influx.URL).Str("bucket", o.influx.Bucket).Msg("exporting readings to influxdb")
	return append(sinks, is), is.Close, nil
}

func run(o options) error {
	loc, err := loadLocation(o.timezone)
	if err != nil {
		return err
	}

	db, err := store.Open(o.dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	state, err := db.Load(context.Background(), loc)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if o.printState {
		return printState(os.Stdout, db, state, loc)
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		TickMs:       o.tick.Milliseconds(),
		Broker:       o.broker,
		HTTPPort:     o.httpAddr,
		SensorSource: o.sensorSource,
		ValveDriver:  o.valveDriver,
		Timezone:     loc.String(),
	})

	var act valve.Actuator
	valveOpen := func() bool { return tracker.Snapshot().ValveOpen }
	switch o.valveDriver {
	case "gpio":
		v, err := valve.NewGPIOValve(o.valvePin, o.valveActiveLow)
		if err != nil {
			return fmt.Errorf("init valve: %w", err)
		}
		act = v
	default:
		sim := valve.NewFakeActuator()
		sim.Delay = 200 * time.Millisecond
		valveOpen = sim.IsOpen
		act = sim
		log.Warn().Msg("using simulated valve")
	}
	defer act.Release()

	var feed sensor.Feed
	switch o.sensorSource {
	case "mqtt":
		f := sensor.NewMQTTFeed(sensor.Calibration{DryRaw: o.soilDryRaw, WetRaw: o.soilWetRaw}, o.sensorMaxAge, nil)
		if err := f.Connect(o.broker, o.clientID+"-sensors"); err != nil {
			return err
		}
		defer f.Close()
		feed = f
	default:
		feed = sensor.NewSimFeed(o.simMoisture, nil, valveOpen)
		log.Warn().Float64("moisture", o.simMoisture).Msg("using simulated sensors")
	}

	var publisher mqtt.Publisher = discardPublisher{}
	var connStatus mqtt.ConnectionStatus
	if o.broker != "" {
		p, err := mqtt.NewRealPublisher(o.broker, o.clientID)
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer p.Close()
		publisher = p
		connStatus = p
		tracker.SetMQTTConnected(p.IsConnected())
	}

	var rec *history.Recorder
	if o.historyInterval > 0 {
		sinks, closeSinks, err := historySinks(o, db)
		if err != nil {
			return err
		}
		defer closeSinks()
		rec = history.NewRecorder(feed, sinks, db, o.historyInterval, o.retention, nil)
	}

	machine := controller.NewMachine(controller.Deps{
		Valve:           act,
		Feed:            feed,
		Store:           db,
		Location:        loc,
		ActuatorTimeout: o.actuatorTimeout,
		NewRunID:        uuid.NewString,
	}, state, time.Now())
	engine := controller.NewEngine(machine, tracker, publisher, o.tick, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	historyDone := make(chan struct{})
	if rec != nil {
		go func() {
			defer close(historyDone)
			rec.Start(ctx)
		}()
	} else {
		close(historyDone)
	}

	var srv *web.Server
	if o.httpAddr != "" {
		srv = web.New(o.httpAddr, tracker, engine, db, loc)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		log.Info().Str("addr", o.httpAddr).Msg("http api listening")
	}

	log.Info().
		Dur("tick", o.tick).
		Str("broker", o.broker).
		Str("sensors", o.sensorSource).
		Str("valve", o.valveDriver).
		Str("tz", loc.String()).
		Msg("started")

	publishSystem(publisher, tracker, connStatus, "STARTUP", "", true)

	// stop shuts the HTTP API first so no command races the final close,
	// then waits for the engine to close the valve.
	stop := func() {
		if srv != nil {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
			}
			scancel()
		}
		cancel()
		if err := <-engineDone; err != nil {
			log.Error().Err(err).Msg("engine stopped with error")
		}
		<-historyDone
	}

	var heartbeat <-chan time.Time
	if o.heartbeat > 0 {
		t := time.NewTicker(o.heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}
	refresh := time.NewTicker(5 * time.Second)
	defer refresh.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(publisher, connStatus, tracker, stop, heartbeat, refresh.C, sigCh)
}

// runLoop publishes heartbeats and keeps the MQTT status current until a
// signal arrives. It then stops the daemon and publishes SHUTDOWN.
func runLoop(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, stop func(), heartbeat, refresh <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			log.Info().Str("signal", signalName).Msg("shutting down")
			stop()
			publishSystem(publisher, tracker, mqttStatus, "SHUTDOWN", signalName, true)
			return nil

		case <-heartbeat:
			publishSystem(publisher, tracker, mqttStatus, "HEARTBEAT", "", false)

		case <-refresh:
			if mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}
		}
	}
}

func publishSystem(publisher mqtt.Publisher, tracker *status.Tracker, mqttStatus mqtt.ConnectionStatus, event, reason string, retained bool) {
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}
	snap := tracker.Snapshot()
	e := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := publisher.PublishSystem(e); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("failed to publish system event")
		return
	}
	log.Debug().Str("event", event).Msg("published system event")
}

// discardPublisher is used when no broker is configured.
type discardPublisher struct{}

func (discardPublisher) Publish(logic.Event) error            { return nil }
func (discardPublisher) PublishSystem(mqtt.SystemEvent) error { return nil }
func (discardPublisher) Close() error                         { return nil }

// printState writes the persisted configuration and runtime to w.
func printState(w io.Writer, db *store.Store, st store.State, loc *time.Location) error {
	cfg := logic.DefaultThresholdConfig()
	if st.Thresholds != nil {
		cfg = *st.Thresholds
	}
	fmt.Fprintf(w, "thresholds: soil %.2f..%.2f, run %ds, soak %dm, budget %dm, window %02d-%02d\n",
		cfg.SoilMoistureLow, cfg.SoilMoistureHigh, cfg.WateringSeconds, cfg.SoakMinutes,
		cfg.DailyBudgetMinutes, cfg.WindowStartHour, cfg.WindowEndHour)

	if rt := st.Runtime; rt != nil {
		fmt.Fprintf(w, "mode: %s\nbudget used: %ds\n", rt.Mode, rt.BudgetUsed)
		if rt.ActiveRun != nil {
			fmt.Fprintf(w, "interrupted run: %s since %s\n", rt.ActiveRun.Origin, status.Timestamp(rt.ActiveRun.StartedAt))
		}
	} else {
		fmt.Fprintln(w, "mode: auto (never saved)")
	}

	fmt.Fprintf(w, "schedule entries: %d\n", len(st.Entries))
	for _, e := range st.Entries {
		fired := "pending"
		if f, ok := st.Fired[e.ID]; ok {
			fired = string(f.Outcome)
		}
		fmt.Fprintf(w, "  #%d %q %s %s %ds enabled=%t %s\n", e.ID, e.Name, e.Date, e.Time, e.DurationSeconds, e.Enabled, fired)
	}

	runs, err := db.RecentRuns(context.Background(), 5, loc)
	if err != nil {
		return fmt.Errorf("recent runs: %w", err)
	}
	fmt.Fprintf(w, "recent runs: %d\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(w, "  %s %s %s..%s %ds\n", r.ID, r.Origin, status.Timestamp(r.StartedAt), status.Timestamp(r.EndedAt), r.Seconds)
	}
	return nil
}
