package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/analos/sidecar/internal/cdp"
	"github.com/analos/sidecar/internal/config"
	"github.com/analos/sidecar/internal/manager"
	"github.com/analos/sidecar/internal/mcptool"
	"github.com/analos/sidecar/internal/prefs"
	"github.com/analos/sidecar/internal/updater"
	"github.com/analos/sidecar/pkg/events"
)

var (
	// Version is set at build time
	Version = "dev"
	// ChromiumVersion is the embedded runtime version, set at build time
	ChromiumVersion = "unknown"

	configPath    string
	execDir       string
	resourcesDir  string
	serverBinary  string
	serverVersion string

	cdpPort       int
	mcpPort       int
	agentPort     int
	extensionPort int

	disableServer  bool
	disableUpdater bool
	appcastURL     string
	alphaChannel   bool
	serveMCP       bool
	showVersion    bool
)

var rootCmd = &cobra.Command{
	Use:   "analosd",
	Short: "Manage the local AnalOS sidecar server",
	Long: `analosd supervises the AnalOS sidecar server: it assigns loopback
ports, launches the server with a config snapshot, monitors its health,
restarts it on exit, and keeps it updated from the release appcast.

Only one analosd owns the server at a time; additional instances detect
the lock and stand down.`,
	RunE: run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	f.StringVar(&execDir, "exec-dir", "", "Execution directory (prefs, lock, staged versions)")
	f.StringVar(&resourcesDir, "resources-dir", "", "Bundled server resources directory")
	f.StringVar(&serverBinary, "server-binary", "", "Bundled server binary (default: <resources-dir>/../"+binaryName()+")")
	f.StringVar(&serverVersion, "server-version", "0.0.0", "Version of the bundled server binary")
	f.IntVar(&cdpPort, "cdp-port", 0, "Override the CDP port")
	f.IntVar(&mcpPort, "mcp-port", 0, "Override the HTTP-MCP port")
	f.IntVar(&agentPort, "agent-port", 0, "Override the agent port")
	f.IntVar(&extensionPort, "extension-port", 0, "Override the extension port")
	f.BoolVar(&disableServer, "disable-server", false, "Resolve and persist ports but do not launch the server")
	f.BoolVar(&disableUpdater, "disable-updater", false, "Disable OTA updates")
	f.StringVar(&appcastURL, "appcast-url", "", "Override the update appcast URL")
	f.BoolVar(&alphaChannel, "alpha", false, "Follow the alpha release channel")
	f.BoolVar(&serveMCP, "mcp", false, "Expose control tools over MCP stdio")
	f.BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("analosd %s (chromium %s)\n", Version, ChromiumVersion)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	mergeFlags(cmd, cfg)

	dir := cfg.ExecutionDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("failed to resolve config directory: %w", err)
		}
		dir = filepath.Join(base, "analos", "server")
	}

	resources := cfg.ResourcesDir
	if resources == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		resources = filepath.Join(filepath.Dir(exe), "resources")
	}
	binary := serverBinary
	if binary == "" {
		binary = filepath.Join(filepath.Dir(resources), binaryName())
	}

	store, err := prefs.Open(dir)
	if err != nil {
		return err
	}
	if store.Get().InstallID == "" {
		if err := store.Update(func(v *prefs.Values) { v.InstallID = uuid.NewString() }); err != nil {
			return fmt.Errorf("failed to assign install id: %w", err)
		}
	}

	bus := events.NewBus()
	bus.SubscribeAll(func(e events.Event) {
		log.Printf("analos: event %s %v", e.Type, e.Data)
	})

	mgr := manager.New(manager.Options{
		ExecutionDir:          dir,
		BundledExePath:        binary,
		BundledResourcesDir:   resources,
		AnalOSVersion:         Version,
		ChromiumVersion:       ChromiumVersion,
		DisableServer:         cfg.DisableServer,
		DisableUpdater:        cfg.DisableUpdater,
		CDPPortOverride:       cfg.CDPPort,
		MCPPortOverride:       cfg.MCPPort,
		AgentPortOverride:     cfg.AgentPort,
		ExtensionPortOverride: cfg.ExtensionPort,
		Prefs:                 store,
		CDPFactory:            &cdp.DefaultFactory{BrowserVersion: "AnalOS/" + Version},
		Bus:                   bus,
		NewUpdater: func(c manager.Coordinator) manager.Updater {
			return updater.New(updater.Options{
				AppcastURL:     cfg.ResolveAppcastURL(),
				BundledVersion: serverVersion,
				Coordinator:    c,
				Prefs:          store,
				Bus:            bus,
			})
		},
	})

	watcher, err := prefs.Watch(store, mgr.HandlePrefChange)
	if err != nil {
		// Degraded but functional: external pref edits just go unnoticed.
		log.Printf("analos: preference watching unavailable: %v", err)
	}

	mgr.Start()

	if serveMCP {
		srv := mcptool.New(mgr, store, Version)
		if err := mcptool.ServeStdio(srv); err != nil {
			log.Printf("analos: MCP stdio server stopped: %v", err)
		}
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
	}

	log.Printf("analos: shutting down")
	if watcher != nil {
		watcher.Close()
	}
	mgr.Shutdown()
	bus.Wait()
	return nil
}

// mergeFlags applies command-line overrides on top of the config file.
// Only flags the user actually set participate.
func mergeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("cdp-port") {
		cfg.CDPPort = cdpPort
	}
	if cmd.Flags().Changed("mcp-port") {
		cfg.MCPPort = mcpPort
	}
	if cmd.Flags().Changed("agent-port") {
		cfg.AgentPort = agentPort
	}
	if cmd.Flags().Changed("extension-port") {
		cfg.ExtensionPort = extensionPort
	}
	if disableServer {
		cfg.DisableServer = true
	}
	if disableUpdater {
		cfg.DisableUpdater = true
	}
	if execDir != "" {
		cfg.ExecutionDir = execDir
	}
	if resourcesDir != "" {
		cfg.ResourcesDir = resourcesDir
	}
	if appcastURL != "" {
		cfg.AppcastURL = appcastURL
	}
	if alphaChannel {
		cfg.Channel = config.ChannelAlpha
	}
}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "analos-server.exe"
	}
	return "analos-server"
}
