// microchat is a terminal chat client for Espruino boards over Bluetooth LE.
//
// The TUI keeps a book of paired boards in SQLite, records every visit's
// console transcript, and can bridge a board's output to an MQTT relay so
// a button press on one board blinks another. BLE access goes through the
// microchat bridge helper, reached over a Unix socket or a WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jwulff/microchat/internal/app"
	"github.com/jwulff/microchat/internal/bridge"
	"github.com/jwulff/microchat/internal/config"
	"github.com/jwulff/microchat/internal/db"
	"github.com/jwulff/microchat/internal/logging"
	"github.com/jwulff/microchat/internal/relay"
	"github.com/jwulff/microchat/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		dbPath     string
		endpoint   string
		relayURL   string
		noRelay    bool
		debug      bool
	)

	flagSet := pflag.NewFlagSet("microchat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", config.DefaultPath(), "path to the YAML config file")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	flagSet.StringVar(&endpoint, "bridge", "", "BLE bridge Unix socket or ws:// URL (overrides config)")
	flagSet.StringVar(&relayURL, "relay-url", "", "MQTT relay URL (overrides config)")
	flagSet.BoolVar(&noRelay, "no-relay", false, "disable the MQTT relay bridge")
	flagSet.BoolVar(&debug, "debug", false, "verbose development logging")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Database = dbPath
	}
	if endpoint != "" {
		cfg.Bridge.Endpoint = endpoint
	}
	if relayURL != "" {
		cfg.Relay.URL = relayURL
	}
	if noRelay {
		cfg.Relay.Enabled = false
	}
	if debug {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	settle, _ := cfg.Bridge.SettleDelayDuration()
	scanTimeout, _ := cfg.Bridge.ScanTimeoutDuration()

	store, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	picker := app.NewPicker()
	provider := &bridge.Provider{
		Endpoint:    cfg.Bridge.Endpoint,
		Chooser:     picker,
		ScanTimeout: scanTimeout,
		Prefixes:    cfg.Bridge.Prefixes,
		Log:         log.Named("bridge"),
	}

	holder := &relay.SendHolder{}
	var dialRelay app.RelayDialer
	if cfg.Relay.Enabled {
		opts := relay.Options{
			Channel: cfg.Relay.Channel,
			Trigger: cfg.Relay.Trigger,
			Payload: cfg.Relay.Payload,
			Window:  cfg.Relay.Window,
			Log:     log.Named("relay"),
		}
		dial := relay.Dial(cfg.Relay.URL, log.Named("mqtt"))
		dialRelay = func(ctx context.Context) (*relay.Bridge, error) {
			return relay.DialBridge(ctx, dial, holder, opts)
		}
	}

	log.Info("starting",
		zap.String("db", cfg.Database),
		zap.String("bridge", cfg.Bridge.Endpoint),
		zap.Bool("relay", cfg.Relay.Enabled),
	)

	model := app.New(ctx, app.Deps{
		Store:       store,
		Provider:    provider,
		Cache:       transport.NewCache(),
		Picker:      picker,
		Holder:      holder,
		DialRelay:   dialRelay,
		SettleDelay: settle,
		Log:         log,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := program.Run()
	if m, ok := final.(app.Model); ok {
		m.Shutdown()
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `microchat: chat with Espruino boards over Bluetooth LE.

Paired boards and visit transcripts are kept in SQLite. Configuration is
read from the YAML file, then MICROCHAT_* environment variables, then
these flags.

Usage:
  microchat [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
