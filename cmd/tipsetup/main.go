// Command tipsetup provisions a tipping device with Wi-Fi credentials
// over Bluetooth Low Energy.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/tipware/tipsetup/internal/ble"
	"github.com/tipware/tipsetup/internal/ble/wifiproto"
	"github.com/tipware/tipsetup/internal/config"
	"github.com/tipware/tipsetup/internal/env"
	"github.com/tipware/tipsetup/internal/notify"
	"github.com/tipware/tipsetup/internal/provision"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/tipsetup/config.yaml)")
	devicePrefix := flag.String("device", "", "override the device name prefix to scan for")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *devicePrefix != "" {
		cfg.Device.NamePrefix = *devicePrefix
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	setupLogging(cfg.LogLevel)
	printBanner(cfg)

	environment := env.Detect(hostProbes())
	if msg := environment.Guidance(); msg != "" {
		fmt.Println(msg)
	}

	stdin := bufio.NewScanner(os.Stdin)

	adapter := ble.NewTinygoAdapter()
	scanner := ble.NewScanner(
		adapter,
		ble.DefaultFilter(cfg.Device.NamePrefix),
		pickPeripheral(stdin),
		func() bool { return environment.SupportsBLE },
	)
	dialer := ble.NewDialer(adapter)

	machine := provision.New(provision.Config{
		Choose: func(ctx context.Context) (ble.Peripheral, error) {
			scanCtx, cancel := context.WithTimeout(ctx, cfg.Device.ScanTimeout.Std())
			defer cancel()
			return scanner.Choose(scanCtx)
		},
		Connect: func(ctx context.Context, p ble.Peripheral) (provision.Session, error) {
			return dialer.Connect(ctx, p)
		},
		Proto: provision.NewProtocol(
			provision.Settle(cfg.Protocol.ScanSettle.Std()),
			provision.Settle(cfg.Protocol.JoinSettle.Std()),
		),
		Capability: func() (bool, string) {
			return environment.Class == env.ClassSupported, environment.Guidance()
		},
		Notifier: newDispatcher(cfg, stdin),
		OnEvent:  printEvent,
	})

	// A Ctrl+C mid-flow must not leave an orphaned GATT connection.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %s, shutting down...", sig)
		machine.Reset()
		os.Exit(1)
	}()

	if err := run(machine, cfg, stdin); err != nil {
		machine.Reset()
		os.Exit(1)
	}
}

// run drives one provisioning flow to a terminal state.
func run(machine *provision.Machine, cfg *config.Config, stdin *bufio.Scanner) error {
	// The machine imposes no timeouts of its own; the step budget is the
	// caller's watchdog for a stuck connect or join.
	startCtx, cancel := context.WithTimeout(context.Background(), cfg.Protocol.StepBudget.Std())
	err := machine.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}
	if machine.State() == provision.StateIdle {
		// Chooser dismissed; nothing to do.
		return nil
	}

	for {
		ssid, rescan := pickNetwork(stdin, machine.Networks())
		if rescan {
			rescanCtx, cancel := context.WithTimeout(context.Background(), cfg.Protocol.StepBudget.Std())
			err := machine.Rescan(rescanCtx)
			cancel()
			if err != nil {
				return err
			}
			continue
		}
		if ssid == "" {
			machine.Reset()
			return nil
		}

		if err := machine.SelectNetwork(ssid); err != nil {
			fmt.Println(err)
			continue
		}

		password := prompt(stdin, fmt.Sprintf("Password for %q (empty to go back): ", ssid))
		if password == "" {
			if err := machine.ReopenNetworks(); err != nil {
				return err
			}
			continue
		}

		submitCtx, cancel := context.WithTimeout(context.Background(), cfg.Protocol.StepBudget.Std())
		err := machine.Submit(submitCtx, password)
		cancel()
		if err != nil {
			return err
		}

		fmt.Printf("Done. Device %s is online.\n", machine.DeviceID())
		return nil
	}
}

// hostProbes fills the detector's probe snapshot from what a CLI host
// knows about itself.
func hostProbes() env.Probes {
	return env.Probes{
		UserAgent:          "tipsetup/" + runtime.GOOS,
		HasBluetoothAPI:    true,
		HasNotificationAPI: true,
	}
}

// pickPeripheral presents discovered peripherals and reads a choice.
// Anything other than a valid index dismisses the chooser.
func pickPeripheral(stdin *bufio.Scanner) ble.PickFunc {
	return func(peripherals []ble.Peripheral) int {
		fmt.Println("Devices found:")
		for i, p := range peripherals {
			name := p.DisplayName
			if name == "" {
				name = p.PlatformID
			}
			fmt.Printf("  [%d] %s (%d dBm)\n", i+1, name, p.RSSI)
		}
		choice := prompt(stdin, "Device number (empty to cancel): ")
		n, err := strconv.Atoi(choice)
		if err != nil {
			return -1
		}
		return n - 1
	}
}

// pickNetwork presents the scan results. Returns the chosen SSID, or
// rescan=true for a fresh scan, or ("", false) to abandon the flow.
func pickNetwork(stdin *bufio.Scanner, networks []wifiproto.Network) (ssid string, rescan bool) {
	fmt.Println("Networks in range of the device:")
	for i, n := range networks {
		fmt.Printf("  [%d] %s (%d dBm, %s)\n", i+1, n.SSID, n.RSSI, n.Security)
	}
	choice := prompt(stdin, "Network number, 'r' to rescan (empty to cancel): ")
	if strings.EqualFold(choice, "r") {
		return "", true
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(networks) {
		return "", false
	}
	return networks[n-1].SSID, false
}

// newDispatcher wires terminal notifications with an in-memory
// permission that starts undecided and prompts on first success.
func newDispatcher(cfg *config.Config, stdin *bufio.Scanner) *notify.Dispatcher {
	permission := notify.PermissionDefault
	return notify.NewDispatcher(
		cfg.Notifications,
		func() notify.Permission { return permission },
		func() notify.Permission {
			answer := prompt(stdin, "Show a system notification for setup results? [y/N]: ")
			if strings.EqualFold(answer, "y") {
				permission = notify.PermissionGranted
			} else {
				permission = notify.PermissionDenied
			}
			return permission
		},
		nil, // slog fallback sender
		func(msg string) { fmt.Println(msg) },
	)
}

func printEvent(ev provision.Event) {
	switch ev.State {
	case provision.StateScanning:
		fmt.Println("Scanning for devices...")
	case provision.StateConnecting:
		fmt.Printf("Connecting to %s...\n", ev.Message)
	case provision.StateNetworkDiscovery:
		fmt.Println("Asking the device for nearby networks...")
	case provision.StateSubmitting:
		fmt.Printf("Sending credentials for %q, waiting for the device to join...\n", ev.Message)
	case provision.StateSucceeded:
		fmt.Printf("Device joined %q.\n", ev.Message)
	case provision.StateFailed:
		fmt.Printf("Setup failed: %s\n", ev.Message)
	case provision.StateIdle:
		if ev.Message != "" {
			fmt.Println(ev.Message)
		}
	}
}

func prompt(stdin *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !stdin.Scan() {
		return ""
	}
	return strings.TrimSpace(stdin.Text())
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== tipsetup ===")
	fmt.Printf("  Device:  %s*\n", cfg.Device.NamePrefix)
	fmt.Printf("  Settle:  scan %s, join %s\n", cfg.Protocol.ScanSettle, cfg.Protocol.JoinSettle)
	fmt.Printf("  Notify:  %t\n", cfg.Notifications)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}
