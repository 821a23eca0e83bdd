// Package config handles configuration loading for flowlink.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Missing values receive defaults, then the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FLOWLINK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/flowlink/gateway.yaml
//  3. ~/.config/flowlink/gateway.yaml
//
// A file whose name ends in .toml is decoded as TOML; any other extension is
// decoded as YAML. Both formats use the same key names.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  shared_secret: "${FLOWLINK_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
// FLOWLINK_DB_PATH overrides database.path when set.
//
// # Configuration Sections
//
// Listener:
//
//	server:
//	  host: "127.0.0.1"
//	  port: 6789
//	  path: "/"
//	  use_ssl: false
//	  cert_path: ""      # required when use_ssl
//	  key_path: ""       # required when use_ssl
//
// Admission policy:
//
//	policy:
//	  ip_list: ["10.0.0.0/8", "192.168.1.20"]
//	  ip_blacklist_mode: true   # false turns ip_list into an allow list
//
// Inbound filtering:
//
//	router:
//	  safe_mode: false
//	  message_whitelist: ["query", "answer"]
//	  max_malformed_frames: 10  # 0 disables the limit
//	  read_limit: 1048576
//
// Ask-and-wait:
//
//	coordinator:
//	  timeout_seconds: 10
//	  priority: 99
//	  targets: ["node-red"]
//	  target_timeout_policy: "continue"   # continue, abort
//	  keepalive_interval: "30s"
//
// Event bus:
//
//	bus:
//	  driver: "memory"   # memory, nats
//	  nats_url: "nats://127.0.0.1:4222"
//	  subject: "flowlink.bus"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/flowlink/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
