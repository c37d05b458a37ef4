package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manifoldco/promptui"

	"github.com/auroradata-ai/rendezvous/internal/config"
	"github.com/auroradata-ai/rendezvous/internal/rzerr"
	"github.com/auroradata-ai/rendezvous/internal/rzlog"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

// loadConfig reads the YAML config at path, defaulting to config.yaml, and
// applies every unset tunable's default.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = &config.Config{}
			cfg.SetDefaults()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// openStore constructs the configured backend: memory (default) or
// postgres.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Store.Host, cfg.Store.Port, cfg.Store.User, cfg.Store.Password, cfg.Store.DBName)
		return store.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// parseDeadline accepts either an ISO-8601 instant or an integer "hours
// from now".
func parseDeadline(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("deadline must not be empty")
	}
	if hours, err := strconv.Atoi(raw); err == nil {
		return time.Now().Add(time.Duration(hours) * time.Hour), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("deadline %q is neither an integer hours-from-now nor an ISO-8601 instant: %w", raw, err)
	}
	return t, nil
}

// exitCodeForError maps the stable rzerr taxonomy to the CLI's
// three-way exit status: pool/input/eligibility problems are a
// user error, anything else (storage, internal) is treated as
// infrastructure.
func exitCodeForError(err error) int {
	switch rzerr.CodeOf(err) {
	case rzerr.InternalError:
		return exitInfraError
	default:
		return exitUserError
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// promptForInput reads a line of text from stdin, falling back to
// defaultValue on empty input. Used only when a required flag was omitted.
func promptForInput(message, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s (default: %s): ", message, defaultValue)
	} else {
		fmt.Printf("%s: ", message)
	}
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

// confirm asks a yes/no question via promptui, defaulting to no.
func confirm(label string) bool {
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	_, err := prompt.Run()
	return err == nil
}

func init() {
	rzlog.Init(rzlog.INFO, os.Stderr, nil)
}
