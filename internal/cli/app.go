package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"

	"github.com/codefleet/fleet/internal/config"
	"github.com/codefleet/fleet/internal/db"
)

// loadConfig resolves the user config, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}

// openStore opens the shared database and migrates it to the latest
// schema. Migration is idempotent, so every command may do this.
func openStore(cfg *config.Config) (*db.DB, error) {
	path := cfg.DBPath
	if v := viper.GetString("db_path"); v != "" {
		path = v
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateToLatest(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// printJSON writes one JSON document, the whole output in --json mode.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// jsonEnvelope wraps a payload for --json output.
func jsonEnvelope(v any) map[string]any {
	return map[string]any{"success": true, "result": v}
}

var useColor = isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""

func green(format string, args ...any) string {
	if !useColor {
		return fmt.Sprintf(format, args...)
	}
	return color.GreenString(format, args...)
}

func yellow(format string, args ...any) string {
	if !useColor {
		return fmt.Sprintf(format, args...)
	}
	return color.YellowString(format, args...)
}

func red(format string, args ...any) string {
	if !useColor {
		return fmt.Sprintf(format, args...)
	}
	return color.RedString(format, args...)
}
