// ABOUTME: Entry point for the webhook-bridge Matrix gateway
// ABOUTME: Wires config, Matrix session, and the webhook listener together

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/webhook-bridge/internal/config"
	"github.com/2389/webhook-bridge/internal/creds"
	"github.com/2389/webhook-bridge/internal/hook"
	"github.com/2389/webhook-bridge/internal/session"
	"github.com/2389/webhook-bridge/internal/tokens"
)

const banner = `
              _     _                 _      _          _     _
__      _____| |__ | |__   ___   ___ | | __ | |__  _ __(_) __| | __ _  ___
\ \ /\ / / _ \ '_ \| '_ \ / _ \ / _ \| |/ / | '_ \| '__| |/ _' |/ _' |/ _ \
 \ V  V /  __/ |_) | | | | (_) | (_) |   <  | |_) | |  | | (_| | (_| |  __/
  \_/\_/ \___|_.__/|_| |_|\___/ \___/|_|\_\ |_.__/|_|  |_|\__,_|\__, |\___|
                                                                |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: WEBHOOK_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/webhook-bridge/config.toml > ~/.config/webhook-bridge/config.toml
func getConfigPath() string {
	if envPath := os.Getenv("WEBHOOK_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "webhook-bridge", "config.toml")
}

func main() {
	// Check for init command
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging.Level)

	// Ensure store directory exists
	if err := os.MkdirAll(cfg.Store.Path, 0755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Port:       %d\n", cfg.Webhook.Port)
	green.Print("    ▶ ")
	fmt.Printf("Format:     %s\n", cfg.Webhook.MessageFormat)
	fmt.Println()

	// Setup graceful shutdown context first - all operations should respect it
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := tokens.Parse(cfg.Webhook.Tokens, cfg.Matrix.AdminRoom, logger)
	store := creds.NewStore(cfg.Store.Path)

	sess := session.New(cfg, store, registry.KnownRooms(), logger)
	if err := sess.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	defer sess.Close()

	pipeline := hook.NewPipeline(registry, &matrixSender{session: sess},
		cfg.Webhook.MessageFormat, cfg.Webhook.AllowUnicode, logger)
	server := hook.NewServer(cfg.Webhook.Port, pipeline, logger)

	// The listener only opens once login has succeeded: a webhook must
	// never be accepted before the bridge can deliver it.
	errCh := make(chan error, 2)
	go func() {
		errCh <- sess.Run(ctx)
	}()
	go func() {
		errCh <- server.Run(ctx)
	}()

	logger.Info("bridge running", "port", cfg.Webhook.Port)

	err = <-errCh
	cancel()
	// Let the other half shut down too before returning.
	<-errCh
	return err
}

// matrixSender adapts the session to the webhook pipeline. Webhook
// deliveries never force a sync; that is reserved for the startup
// greeting.
type matrixSender struct {
	session *session.Session
}

func (m *matrixSender) SendMessage(ctx context.Context, body, room, sender string) error {
	return m.session.SendMessage(ctx, body, room, sender, false)
}

func (m *matrixSender) SendImage(ctx context.Context, data []byte, filename, mimetype, room, sender, caption string) error {
	return m.session.SendImage(ctx, data, filename, mimetype, room, sender, caption, false)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runInit() error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := getConfigPath()

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)

	// Gather config values
	green.Print("    ▶ ")
	fmt.Print("Matrix homeserver URL [https://matrix.org]: ")
	homeserver, _ := reader.ReadString('\n')
	homeserver = strings.TrimSpace(homeserver)
	if homeserver == "" {
		homeserver = "https://matrix.org"
	}

	green.Print("    ▶ ")
	fmt.Print("Matrix user id (e.g. @bot:matrix.org): ")
	userID, _ := reader.ReadString('\n')
	userID = strings.TrimSpace(userID)

	green.Print("    ▶ ")
	fmt.Print("Matrix password: ")
	password, _ := reader.ReadString('\n')
	password = strings.TrimSpace(password)

	green.Print("    ▶ ")
	fmt.Print("Admin room id (e.g. !abc123:matrix.org): ")
	adminRoom, _ := reader.ReadString('\n')
	adminRoom = strings.TrimSpace(adminRoom)

	green.Print("    ▶ ")
	fmt.Print("Webhook token and room (e.g. mytoken,!room:matrix.org,myapp): ")
	token, _ := reader.ReadString('\n')
	token = strings.TrimSpace(token)

	// Generate config
	cfgText := fmt.Sprintf(`# webhook-bridge configuration
# Generated by webhook-bridge init

[matrix]
homeserver = "%s"
user_id = "%s"
password = "%s"
admin_room = "%s"
device_name = "webhook-bridge"

[store]
path = "%s"

[webhook]
port = 8000
# One entry per line: token,room_id[,app_name]
tokens = """
%s
"""
# raw, json, or yaml
message_format = "raw"
display_app_name = true
use_markdown = true

[logging]
level = "info"
`, homeserver, userID, password, adminRoom, defaultStorePath(), token)

	// Ensure config directory exists
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(configPath, []byte(cfgText), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: webhook-bridge")
	fmt.Println()

	return nil
}

// defaultStorePath returns the default data directory for credentials
// and the crypto store.
// Priority: XDG_DATA_HOME/webhook-bridge > ~/.local/share/webhook-bridge
func defaultStorePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "webhook-bridge")
}
