// Laikactl — CLI entry point.
//
// This tool establishes a command/telemetry channel to a Laika robot over
// whichever transport is reachable, trying WebRTC (via the signaling pool),
// the fleet registry, local mDNS discovery, and finally BLE. It also
// provisions WiFi credentials onto factory-fresh robots over BLE.
//
// It can be launched interactively (no arguments) or non-interactively via
// subcommands (connect, provision, identify, devices, scan, send, diagnose).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/laika-robotics/laikactl/internal/ble"
	"github.com/laika-robotics/laikactl/internal/config"
	"github.com/laika-robotics/laikactl/internal/device"
	"github.com/laika-robotics/laikactl/internal/discovery"
	"github.com/laika-robotics/laikactl/internal/improv"
	"github.com/laika-robotics/laikactl/internal/logx"
	"github.com/laika-robotics/laikactl/internal/netprobe"
	"github.com/laika-robotics/laikactl/internal/orchestrator"
	"github.com/laika-robotics/laikactl/internal/protocol"
	"github.com/laika-robotics/laikactl/internal/registry"
	"github.com/laika-robotics/laikactl/internal/signaling"
	"github.com/laika-robotics/laikactl/internal/telemetry"
	"github.com/laika-robotics/laikactl/internal/transport"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Global flags. Command flags are parsed per subcommand.
	configPath := flag.String("config", config.DefaultPath(), "Config file path")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	if *debugMode {
		logx.EnableDebug()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logx.Error("failed to load config: %v", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		logx.Error("invalid config: %v", err)
		os.Exit(1)
	}
	// First run: persist the minted client identity so signaling sessions
	// keep reusing it.
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		if err := config.Save(*configPath, cfg); err != nil {
			logx.Warn("could not write default config: %v", err)
		}
	}

	pterm.Info.Println(fmt.Sprintf("laikactl — v%s", version))
	pterm.Println()

	cmd := flag.Arg(0)
	var args []string
	if flag.NArg() > 1 {
		args = flag.Args()[1:]
	}

	if cmd == "" {
		// No subcommand → interactive mode.
		cmd = askCommand()
	}

	switch cmd {
	case "connect":
		runConnect(ctx, cfg, args)
	case "provision":
		runProvision(ctx, cfg, args)
	case "identify":
		runIdentify(ctx, cfg, args)
	case "devices":
		runDevices(ctx, cfg)
	case "scan":
		runScan(ctx, cfg)
	case "send":
		runSend(ctx, cfg, args)
	case "diagnose":
		runDiagnose(ctx, cfg)
	default:
		logx.Error("unknown command: %s", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: laikactl [flags] <command> [command flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  connect    Establish a control channel and stream robot events\n")
	fmt.Fprintf(os.Stderr, "  provision  Send WiFi credentials to a robot over BLE\n")
	fmt.Fprintf(os.Stderr, "  identify   Make a robot identify itself (LED/beep) over BLE\n")
	fmt.Fprintf(os.Stderr, "  devices    List known robots from the registry and local cache\n")
	fmt.Fprintf(os.Stderr, "  scan       Discover robots on the local network and over BLE\n")
	fmt.Fprintf(os.Stderr, "  send       Connect, send one envelope, and disconnect\n")
	fmt.Fprintf(os.Stderr, "  diagnose   Check STUN, registry, and signaling reachability\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// runConnect walks the transport cascade and streams events until interrupt.
func runConnect(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	target := fs.String("target", "", "Robot ID or name (default: best available)")
	fs.Parse(args)

	orc := orchestrator.New(cfg, openCache(cfg))
	defer orc.Close()

	telemetry.StartReporter(ctx)

	if err := orc.Connect(ctx, *target); err != nil {
		logx.Error("connect failed: %v", err)
		explainConnectFailure(ctx, cfg, err)
		os.Exit(1)
	}

	for {
		select {
		case <-ctx.Done():
			orc.Disconnect()
			logx.Info("connection closed")
			return
		case ev := <-orc.Events():
			switch ev.Kind {
			case orchestrator.EventMessage:
				printEnvelope(ev.Transport, ev.Message)
			case orchestrator.EventConnectionLost:
				logx.Warn("connection lost: %v", ev.Err)
			case orchestrator.EventStateChanged:
				if ev.State == orchestrator.StateConnected {
					logx.Success("connected to %s via %s", orc.RemoteID(), orc.Transport())
				} else {
					logx.Debug("連線狀態: %s", ev.State)
				}
			}
		}
	}
}

// runProvision sends WiFi credentials to a robot over BLE and waits for the
// provisioned state.
func runProvision(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	ssid := fs.String("ssid", "", "WiFi network name")
	password := fs.String("password", "", "WiFi password")
	target := fs.String("target", "", "Peripheral name or address")
	fs.Parse(args)

	if *ssid == "" {
		*ssid = askText("WiFi network name (SSID)")
	}
	if *password == "" {
		*password = askSecret("WiFi password")
	}

	dev, cleanup := connectPeripheral(ctx, cfg, *target)
	defer cleanup()

	client, err := improv.NewClient(ctx, dev)
	if err != nil {
		logx.Error("robot does not speak the provisioning protocol: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	logx.Info("provisioning %s onto %q", peripheralLabel(dev), *ssid)
	pctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := client.Provision(pctx, *ssid, *password); err != nil {
		logx.Error("provisioning failed: %v", err)
		os.Exit(1)
	}
	logx.Success("robot joined %q", *ssid)

	// The firmware may follow up with a result frame carrying a URL where
	// the robot is now reachable.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-client.Events():
			if ev.Kind == improv.EventResult && ev.Result.Message != "" {
				logx.Info("robot reachable at %s", ev.Result.Message)
				return
			}
		case <-deadline:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runIdentify asks a robot to identify itself over BLE.
func runIdentify(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("identify", flag.ExitOnError)
	target := fs.String("target", "", "Peripheral name or address")
	fs.Parse(args)

	dev, cleanup := connectPeripheral(ctx, cfg, *target)
	defer cleanup()

	client, err := improv.NewClient(ctx, dev)
	if err != nil {
		logx.Error("robot does not speak the provisioning protocol: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := client.Identify(ctx); err != nil {
		logx.Error("identify failed: %v", err)
		os.Exit(1)
	}
	logx.Success("identify sent to %s — watch for the blink", peripheralLabel(dev))
}

// runDevices lists robots from the registry and the local cache.
func runDevices(ctx context.Context, cfg config.Config) {
	cache := openCache(cfg)

	if cfg.RegistryURL == "" {
		logx.Debug("registry 未設定，只列出快取")
	} else {
		rctx, cancel := context.WithTimeout(ctx, cfg.StepTimeout)
		devs, err := registry.NewClient(cfg.RegistryURL).Devices(rctx)
		cancel()
		if err != nil {
			logx.Warn("registry unavailable: %v", err)
		} else {
			cache.ReplaceAll(device.HintRegistry, devs)
		}
	}

	all := cache.Snapshot()
	if len(all) == 0 {
		logx.Info("no known robots; try scan first")
		return
	}

	rows := pterm.TableData{{"ID", "Name", "Transport", "Address", "Last seen", "Online"}}
	for _, d := range all {
		rows = append(rows, []string{
			d.ID, d.Name, string(d.Transport), d.Address, formatLastSeen(d.LastSeen), formatOnline(d.Online),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// runScan discovers robots on the local network and over BLE.
func runScan(ctx context.Context, cfg config.Config) {
	cache := openCache(cfg)
	found := 0

	logx.Info("scanning the local network (mDNS)")
	if scanner, err := discovery.NewScanner(); err != nil {
		logx.Warn("mdns unavailable: %v", err)
	} else {
		devs, err := scanner.Scan(ctx)
		if err != nil {
			logx.Warn("mdns scan failed: %v", err)
		} else {
			cache.ReplaceAll(device.HintLocal, devs)
			for _, d := range devs {
				logx.Info("  %s (%s) at %s", d.ID, d.Name, d.Address)
			}
			found += len(devs)
		}
	}

	logx.Info("scanning for BLE peripherals")
	if adapter, err := ble.Open(); err != nil {
		logx.Warn("bluetooth unavailable: %v", err)
	} else {
		sctx, cancel := context.WithTimeout(ctx, cfg.BLETimeout)
		cands, err := adapter.Scan(sctx, cfg.BLENamePrefix)
		cancel()
		adapter.Close()
		switch {
		case err != nil:
			logx.Warn("ble scan failed: %v", err)
		default:
			for _, c := range cands {
				cache.MarkOnline(c.Address, c.Name, device.HintBLE)
				logx.Info("  %s (%s, %d dBm)", c.Name, c.Address, c.RSSI)
			}
			found += len(cands)
		}
	}

	if found == 0 {
		logx.Info("no robots found nearby")
	}
}

// runSend connects, sends a single envelope, waits briefly for replies, and
// disconnects.
func runSend(ctx context.Context, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	target := fs.String("target", "", "Robot ID or name (default: best available)")
	typ := fs.String("type", string(protocol.TypeCommand), "Envelope type")
	payload := fs.String("payload", "", "JSON payload")
	wait := fs.Duration("wait", 2*time.Second, "How long to wait for replies")
	fs.Parse(args)

	if *payload == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("JSON payload (empty for none)").
			Show()
		pterm.Println()
		*payload = strings.TrimSpace(raw)
	}

	env, err := protocol.New(protocol.MessageType(*typ), nil)
	if err != nil {
		logx.Error("failed to build envelope: %v", err)
		os.Exit(1)
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			logx.Error("payload is not valid JSON")
			os.Exit(1)
		}
		env.Payload = json.RawMessage(*payload)
	}

	orc := orchestrator.New(cfg, openCache(cfg))
	defer orc.Close()

	if err := orc.Connect(ctx, *target); err != nil {
		logx.Error("connect failed: %v", err)
		explainConnectFailure(ctx, cfg, err)
		os.Exit(1)
	}
	logx.Success("connected to %s via %s", orc.RemoteID(), orc.Transport())

	if err := orc.Send(ctx, env); err != nil {
		logx.Error("send failed: %v", err)
		os.Exit(1)
	}
	logx.Info("envelope %s sent, waiting %s for replies", env.ID, *wait)

	deadline := time.After(*wait)
	for {
		select {
		case ev := <-orc.Events():
			if ev.Kind == orchestrator.EventMessage {
				printEnvelope(ev.Transport, ev.Message)
			}
		case <-deadline:
			orc.Disconnect()
			return
		case <-ctx.Done():
			orc.Disconnect()
			return
		}
	}
}

// runDiagnose checks each network dependency in turn without connecting.
func runDiagnose(ctx context.Context, cfg config.Config) {
	logx.Info("probing STUN (%d servers)", len(cfg.STUNServers))
	report, err := netprobe.Probe(ctx, cfg.STUNServers, cfg.StepTimeout)
	if err != nil {
		logx.Warn("no internet path: %v", err)
	} else {
		logx.Success("public address %s, NAT type %s", report.MappedAddress, report.NATType)
	}

	if cfg.RegistryURL == "" {
		logx.Info("registry: not configured")
	} else {
		rctx, cancel := context.WithTimeout(ctx, cfg.StepTimeout)
		devs, err := registry.NewClient(cfg.RegistryURL).Devices(rctx)
		cancel()
		if err != nil {
			logx.Warn("registry unreachable: %v", err)
		} else {
			logx.Success("registry reachable, %d robots on record", len(devs))
		}
	}

	logx.Info("checking signaling pool (%d servers)", len(cfg.SignalingServers))
	info := signaling.ClientInfo{Name: cfg.ClientName, Platform: runtime.GOOS, Version: version}
	sc, err := signaling.Dial(ctx, cfg.SignalingServers, cfg.ClientID, info, cfg.StepTimeout)
	if err != nil {
		logx.Warn("signaling unreachable: %v", err)
		return
	}
	logx.Success("registered with %s, %d robots online", sc.ServerURL(), len(sc.OnlineDevices()))
	sc.Close()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// connectPeripheral scans for BLE robots, picks one, and connects to it. The
// returned cleanup releases both the device and the adapter.
func connectPeripheral(ctx context.Context, cfg config.Config, target string) (*ble.Device, func()) {
	adapter, err := ble.Open()
	if err != nil {
		logx.Error("bluetooth unavailable: %v", err)
		os.Exit(1)
	}

	logx.Info("scanning for %s peripherals", cfg.BLENamePrefix)
	sctx, cancel := context.WithTimeout(ctx, cfg.BLETimeout)
	cands, err := adapter.Scan(sctx, cfg.BLENamePrefix)
	cancel()
	if err != nil {
		adapter.Close()
		logx.Error("scan failed: %v", err)
		os.Exit(1)
	}

	cand, err := chooseCandidate(cands, target)
	if err != nil {
		adapter.Close()
		logx.Error("%v", err)
		os.Exit(1)
	}

	dev, err := adapter.Connect(ctx, cand)
	if err != nil {
		adapter.Close()
		logx.Error("failed to connect to %s: %v", cand.Address, err)
		os.Exit(1)
	}

	return dev, func() {
		dev.Close()
		adapter.Close()
	}
}

// chooseCandidate resolves the scan result to one peripheral, prompting when
// several qualify and no target narrows it down.
func chooseCandidate(cands []ble.Candidate, target string) (ble.Candidate, error) {
	if len(cands) == 0 {
		return ble.Candidate{}, ble.ErrNoSelection
	}

	if target != "" {
		for _, c := range cands {
			if strings.EqualFold(c.Name, target) || strings.EqualFold(c.Address, target) {
				return c, nil
			}
		}
		return ble.Candidate{}, fmt.Errorf("peripheral %q not found in scan", target)
	}

	if len(cands) == 1 {
		return cands[0], nil
	}

	options := make([]string, len(cands))
	for i, c := range cands {
		options[i] = fmt.Sprintf("%s  (%s, %d dBm)", c.Name, c.Address, c.RSSI)
	}
	picked, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a robot").
		Show()
	pterm.Println()

	for i, opt := range options {
		if opt == picked {
			return cands[i], nil
		}
	}
	return ble.Candidate{}, ble.ErrNoSelection
}

// explainConnectFailure turns an exhausted cascade into an actionable hint.
// A rejection needs no probing: the robot was reachable and said no.
func explainConnectFailure(ctx context.Context, cfg config.Config, err error) {
	var cerr *orchestrator.CascadeError
	if !errors.As(err, &cerr) || cerr.Rejected() {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	report, perr := netprobe.Probe(pctx, cfg.STUNServers, 2*time.Second)
	cancel()
	switch {
	case perr != nil:
		logx.Warn("no internet path either; check the uplink, or move closer and retry over BLE")
	case report.NATType == netprobe.NATSymmetric:
		logx.Warn("internet is up but the NAT is symmetric; WebRTC needs a TURN relay from here")
	default:
		logx.Warn("internet path looks fine (%s); the robot may be powered off or out of range", report.MappedAddress)
	}
}

// openCache loads the persistent device cache, falling back to memory-only
// when the file is unreadable.
func openCache(cfg config.Config) *device.Cache {
	if cfg.DeviceCache == "" {
		return device.NewCache()
	}
	cache, err := device.LoadCache(cfg.DeviceCache)
	if err != nil {
		logx.Warn("device cache unreadable, starting empty: %v", err)
		return device.NewCache()
	}
	return cache
}

func printEnvelope(kind transport.Kind, env protocol.Envelope) {
	payload := strings.TrimSpace(string(env.Payload))
	if payload == "" {
		logx.Info("[%s] %s", kind, env.Type)
		return
	}
	logx.Info("[%s] %s %s", kind, env.Type, payload)
}

func peripheralLabel(dev *ble.Device) string {
	if dev.Name() != "" {
		return dev.Name()
	}
	return dev.Address()
}

func formatLastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s ago", time.Since(t).Round(time.Second))
}

func formatOnline(online bool) string {
	if online {
		return "yes"
	}
	return "no"
}

// askCommand prompts for a subcommand when none was given.
func askCommand() string {
	options := []string{
		"connect   — Establish a control channel to a robot",
		"provision — Send WiFi credentials over BLE",
		"identify  — Make a robot blink for identification",
		"devices   — List known robots",
		"scan      — Discover robots nearby",
		"send      — Send a single command envelope",
		"diagnose  — Check network reachability",
	}
	picked, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a command").
		Show()
	pterm.Println()
	return strings.Fields(picked)[0]
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		if s := strings.TrimSpace(raw); s != "" {
			pterm.Println()
			return s
		}
		logx.Warn("a value is required")
		pterm.Println()
	}
}

// askSecret prompts for a masked value. Empty is allowed — open networks
// have no password.
func askSecret(prompt string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		WithMask("*").
		Show()
	pterm.Println()
	return strings.TrimSpace(raw)
}
