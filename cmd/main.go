// keybridge - keyboard to robot controller bridge
// Relays held-key transitions from a local operator page to a remote controller over websocket
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keybridge/internal/autostart"
	"keybridge/internal/bridge"
	"keybridge/internal/config"
	"keybridge/internal/journal"
	"keybridge/internal/logger"
	"keybridge/internal/network"
	"keybridge/internal/remote"
	"keybridge/internal/surface"
	"keybridge/internal/tray"
)

var (
	version    = "0.1.0"
	configPath = flag.String("config", "", "Path to config.json (default: per-user config dir)")
	remoteURL  = flag.String("url", "", "Remote websocket URL (overrides remote.url)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	runRemote  = flag.Bool("remote", false, "Run the simulated remote controller")
	showStatus = flag.Bool("status", false, "Ask the remote for its status and exit")
	ping       = flag.Bool("ping", false, "Send a test_connection request and exit")
	check      = flag.Bool("check", false, "Check the remote's HTTP health and status endpoints and exit")
	history    = flag.Bool("history", false, "Print recent sessions from the journal and exit")
	autoStart  = flag.String("autostart", "", "Register (on) or remove (off) the login entry and exit")
	initConfig = flag.Bool("init-config", false, "Write the effective configuration to the config path and exit")
	showVer    = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("keybridge version %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *remoteURL != "" {
		cfg.Remote.URL = *remoteURL
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -url: %v\n", err)
			os.Exit(1)
		}
	}
	logger.Init(cfg.Log.Debug || *debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *initConfig:
		err = writeConfig(cfg)
	case *autoStart != "":
		err = setAutostart(*autoStart)
	case *runRemote:
		err = remote.NewServer(cfg.RemoteServer.HeartbeatInterval).ListenAndServe(ctx, cfg.RemoteServer.Listen)
	case *showStatus:
		err = runOnce(ctx, cfg, func(b *bridge.Bridge) (any, error) {
			return b.RemoteStatus(ctx)
		})
	case *ping:
		err = runOnce(ctx, cfg, func(b *bridge.Bridge) (any, error) {
			res, rtt, err := b.TestConnection(ctx)
			return map[string]any{"result": res, "rtt_ms": rtt.Milliseconds()}, err
		})
	case *check:
		var st any
		if st, err = network.CheckRemote(ctx, cfg.Remote.URL); err == nil {
			err = printJSON(st)
		}
	case *history:
		err = printHistory(ctx, cfg)
	default:
		err = runService(ctx, stop, cfg)
	}

	if err != nil {
		logger.ErrorF("keybridge: %v", err)
		os.Exit(1)
	}
}

func setAutostart(mode string) error {
	switch mode {
	case "on":
		var args []string
		if *configPath != "" {
			args = append(args, "-config", *configPath)
		}
		if err := autostart.Enable(args...); err != nil {
			return err
		}
	case "off":
		if err := autostart.Disable(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("-autostart must be on or off, got %q", mode)
	}
	fmt.Printf("autostart enabled: %v\n", autostart.IsEnabled())
	return nil
}

func writeConfig(cfg config.Config) error {
	path := *configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func newDialer(cfg config.Config) network.Dialer {
	d := network.WSDialer{HandshakeTimeout: 10 * time.Second}
	if cfg.Remote.HeartbeatInterval > 0 {
		d.PongWait = 3 * cfg.Remote.HeartbeatInterval
	}
	return d
}

func runService(ctx context.Context, stop context.CancelFunc, cfg config.Config) error {
	logger.InfoF("keybridge %s starting, remote %s", version, cfg.Remote.URL)

	var opts []bridge.Option
	if cfg.Journal.Path != "" {
		j, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, bridge.WithRecorder(j))
	}

	b := bridge.New(cfg, newDialer(cfg), opts...)
	events, cancel := b.Subscribe()
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	srv := surface.NewServer(b)
	surfaceErr := make(chan error, 1)
	go func() {
		surfaceErr <- srv.ListenAndServe(ctx, cfg.Surface.Listen, cfg.Surface.OpenBrowser)
	}()

	if !cfg.Tray.Enabled {
		go drain(events, nil)
		select {
		case <-ctx.Done():
			logger.Info("Shutting down...")
			return nil
		case err := <-surfaceErr:
			return err
		}
	}

	t := tray.New(tray.Actions{
		Reconnect:      b.Reconnect,
		Disconnect:     b.Disconnect,
		OpenController: func() { surface.OpenBrowser("http://" + cfg.Surface.Listen) },
		Quit:           stop,
	})
	go drain(events, t)
	go func() {
		select {
		case <-ctx.Done():
		case err := <-surfaceErr:
			if err != nil {
				logger.ErrorF("Surface: %v", err)
			}
		}
		t.Stop()
	}()
	t.Run()
	logger.Info("Shutting down...")
	return nil
}

// drain forwards channel status to the tray, if any, until the subscription closes.
func drain(events <-chan bridge.Event, t *tray.Tray) {
	for ev := range events {
		if ev.Kind == bridge.KindStatus && t != nil {
			t.SetStatus(ev.Status.Channel)
		}
	}
}

// runOnce connects, performs one correlated request and prints the reply.
func runOnce(ctx context.Context, cfg config.Config, fn func(b *bridge.Bridge) (any, error)) error {
	b := bridge.New(cfg, newDialer(cfg))
	events, cancel := b.Subscribe()
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	ctx, done := context.WithTimeout(ctx, 10*time.Second)
	defer done()
	if err := waitReady(ctx, events); err != nil {
		return err
	}

	out, err := fn(b)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func waitReady(ctx context.Context, events <-chan bridge.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return bridge.ErrStopped
			}
			if ev.Kind != bridge.KindStatus {
				continue
			}
			if ev.Status.Channel.Ready() {
				return nil
			}
			if ev.Status.Channel.Exhausted {
				return errors.New("remote unreachable: " + ev.Status.LastError)
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for connection: %w", ctx.Err())
		}
	}
}

func printHistory(ctx context.Context, cfg config.Config) error {
	if cfg.Journal.Path == "" {
		return errors.New("journal.path is not configured")
	}
	j, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	sessions, err := j.Sessions(ctx, 20)
	if err != nil {
		return err
	}
	fmt.Println("Recent sessions:")
	fmt.Println("----------------")
	for _, s := range sessions {
		end := "open"
		if s.DisconnectedAt != nil {
			end = s.DisconnectedAt.Local().Format(time.DateTime)
		}
		fmt.Printf("%s  %s -> %s  remote=%s  failed_attempts=%d\n", s.ID, s.ConnectedAt.Local().Format(time.DateTime), end, s.RemoteSessionID, s.Attempts)
	}

	outages, err := j.Outages(ctx, 20)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Recent outages:")
	fmt.Println("---------------")
	for _, o := range outages {
		note := ""
		if o.ExhaustedAt != nil {
			note = " (retries exhausted)"
		}
		fmt.Printf("%s  attempts=%d%s\n", o.StartedAt.Local().Format(time.DateTime), o.Attempts, note)
	}

	entries, err := j.Transitions(ctx, 20)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Recent key transitions:")
	fmt.Println("-----------------------")
	for _, e := range entries {
		dir := "up"
		if e.Down {
			dir = "down"
		}
		mark := "✓"
		if !e.Delivered {
			mark = "✗ " + e.Error
		}
		fmt.Printf("%-6s %-4s %s\n", e.Key, dir, mark)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
