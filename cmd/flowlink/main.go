// ABOUTME: Entry point for the flowlink websocket gateway
// ABOUTME: Dispatches serve, init, and the credential, token, audit, and cert admin commands

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/flowlink/internal/config"
	"github.com/2389/flowlink/internal/gateway"
	"github.com/2389/flowlink/internal/tlscert"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _               _ _       _
 / _| | _____      _| (_)_ __ | | __
| |_| |/ _ \ \ /\ / / | | '_ \| |/ /
|  _| | (_) \ V  V /| | | | | |   <
|_| |_|\___/ \_/\_/ |_|_|_| |_|_|\_\
`

// getConfigPath returns the path to the flowlink config file.
// Priority: FLOWLINK_CONFIG env var > XDG_CONFIG_HOME/flowlink/flowlink.yaml > ~/.config/flowlink/flowlink.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLOWLINK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "flowlink.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "flowlink", "flowlink.yaml")
}

// getDataPath returns the path to the flowlink data directory.
// Priority: XDG_DATA_HOME/flowlink > ~/.local/share/flowlink
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "flowlink")
}

func printUsage() {
	fmt.Println("Usage: flowlink <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  certs                          Generate a self-signed TLS pair if missing")
	fmt.Println("  credentials add|list|rotate|delete  Manage client credentials")
	fmt.Println("  token --name NAME [--ttl 720h] Issue a bearer token signed with the shared secret")
	fmt.Println("  audit [--limit N] [--name NAME] Show recent handshake and credential events")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  clients                        Show connected client count")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "certs":
		err = runCerts(os.Stdout)
	case "credentials":
		err = withStore(ctx, func(a *admin) error { return a.credentials(ctx, args) })
	case "token":
		err = runToken(os.Stdout, args)
	case "audit":
		err = withStore(ctx, func(a *admin) error { return a.audit(ctx, args) })
	case "health":
		err = runHealth(ctx)
	case "clients":
		err = runClients(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	scheme := "ws"
	if cfg.Server.UseSSL {
		scheme = "wss"
	}

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s://%s%s\n", scheme, cfg.Server.Addr(), cfg.Server.Path)
	green.Print("    ▶ ")
	fmt.Printf("Bus:       %s\n", cfg.Bus.Driver)
	if cfg.Router.SafeMode {
		green.Print("    ▶ ")
		fmt.Print("Router:    ")
		yellow.Println("safe mode")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting flowlink",
		"config", configPath,
		"addr", cfg.Server.Addr(),
		"path", cfg.Server.Path,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// localURL returns an http(s) URL for path on the configured listener.
func localURL(cfg *config.Config, path string) string {
	scheme := "http"
	if cfg.Server.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, cfg.Server.Addr(), path)
}

// localClient returns an HTTP client for the local listener. With use_ssl it
// trusts the certificate at cert_path, which is usually self-signed.
func localClient(cfg *config.Config) (*http.Client, error) {
	if !cfg.Server.UseSSL {
		return http.DefaultClient, nil
	}
	tlsCfg, err := tlscert.LoadClientConfig(cfg.Server.CertPath)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, localURL(cfg, "/health"), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client, err := localClient(cfg)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runClients(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, localURL(cfg, "/health/ready"), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client, err := localClient(cfg)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("clients check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}
