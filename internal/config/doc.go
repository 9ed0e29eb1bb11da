// Package config handles configuration loading for webhook-bridge.
//
// # Overview
//
// Configuration is a single TOML file with environment variable
// expansion. It is loaded once at startup into one Config struct that is
// passed into every component; no component reads environment variables
// or other ambient state after startup.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WEBHOOK_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/webhook-bridge/bridge.toml
//  3. ~/.config/webhook-bridge/bridge.toml
//
// # Sections
//
// Matrix connection:
//
//	[matrix]
//	homeserver = "https://matrix.example.org"
//	user_id = "@hookbot:example.org"
//	password = "${MATRIX_PASSWORD}"
//	device_name = "webhook-bridge"
//	ssl_verify = true
//	admin_room = "!admin:example.org"
//
// Durable state:
//
//	[store]
//	path = "/var/lib/webhook-bridge"
//
// Webhook surface:
//
//	[webhook]
//	port = 8000
//	tokens = "tok1,!roomA:example.org,App One tok2,!roomB:example.org,App Two"
//	message_format = "yaml"   # raw, json, yaml
//	allow_unicode = true
//	display_app_name = true
//	use_markdown = true
//
// Logging:
//
//	[logging]
//	level = "info"   # debug, info, warn, error
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR} syntax, which
// keeps secrets like the Matrix password out of the file itself.
package config
