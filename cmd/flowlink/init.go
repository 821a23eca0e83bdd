// ABOUTME: Interactive config file generator for flowlink
// ABOUTME: Prompts for listener, database, policy, and tailscale settings and writes YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

// newSecret returns a random base64 string suitable for shared_secret.
func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("flowlink configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "flowlink.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	host := prompt(reader, "Listen host", "127.0.0.1")
	port := prompt(reader, "Listen port", "6789")
	path := prompt(reader, "Websocket path", "/")
	useSSL := yes(prompt(reader, "Serve TLS (wss)?", "no"))
	var certPath, keyPath string
	if useSSL {
		certPath = prompt(reader, "Certificate path", filepath.Join(defaultDataPath, "cert.pem"))
		keyPath = prompt(reader, "Key path", filepath.Join(defaultDataPath, "key.pem"))
	}

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Authentication ---")
	var secret string
	if yes(prompt(reader, "Generate a shared secret?", "yes")) {
		s, err := newSecret()
		if err != nil {
			return err
		}
		secret = s
	}

	fmt.Println("\n--- IP Policy ---")
	ipList := prompt(reader, "IP list (comma separated, CIDR allowed)", "")
	blacklist := yes(prompt(reader, "Treat the list as a blacklist?", "yes"))

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "flowlink")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# flowlink configuration\n")
	cfg.WriteString("# Generated by flowlink init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", host))
	cfg.WriteString(fmt.Sprintf("  port: %s\n", port))
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", path))
	cfg.WriteString(fmt.Sprintf("  use_ssl: %t\n", useSSL))
	if useSSL {
		cfg.WriteString(fmt.Sprintf("  cert_path: \"%s\"\n", certPath))
		cfg.WriteString(fmt.Sprintf("  key_path: \"%s\"\n", keyPath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	if secret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  shared_secret: \"%s\"\n", secret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("policy:\n")
	cfg.WriteString(fmt.Sprintf("  ip_blacklist_mode: %t\n", blacklist))
	cfg.WriteString("  ip_list:\n")
	for _, entry := range strings.Split(ipList, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			cfg.WriteString(fmt.Sprintf("    - \"%s\"\n", entry))
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("coordinator:\n")
	cfg.WriteString("  timeout_seconds: 10\n")
	cfg.WriteString("  priority: 99\n")
	cfg.WriteString("  keepalive_interval: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file may hold the shared secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	if useSSL {
		fmt.Println("  flowlink certs")
	}
	fmt.Println("  flowlink credentials add --name <client>")
	fmt.Println("  flowlink serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
