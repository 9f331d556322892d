// tbcfg drives a simulated USB4/Thunderbolt fabric through the router
// control plane: it enumerates the fabric described by a topology file and
// reads, writes and walks router configuration spaces.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

const (
	flagConfig      = "config"
	flagTopology    = "topology"
	flagLogLevel    = "log-level"
	flagLogFormat   = "log-format"
	flagTimeout     = "timeout"
	flagRetries     = "retries"
	flagMetricsAddr = "metrics-addr"
)

func main() {
	cmd := newRootCmd(viper.New())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   filepath.Base(os.Args[0]),
		Short: "USB4/Thunderbolt router configuration tool",
		Args:  cobra.NoArgs,

		// main prints the error
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return loadConfig(v)
		},
	}

	addGlobalFlags(cmd.PersistentFlags())
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		newTreeCmd(v),
		newReadCmd(v),
		newWriteCmd(v),
		newCapsCmd(v),
		newHotplugCmd(v),
		newSuspendCmd(v),
		newServeCmd(v),
	)

	return cmd
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String(flagConfig, "", "read settings from `file` (default ./tbcfg.toml if present)")
	fs.String(flagTopology, "", "load the simulated fabric from a TOML `file`")
	fs.String(flagLogLevel, "warn", "log level (debug, info, warn, error)")
	fs.String(flagLogFormat, "auto", "log format (auto, console, json)")
	fs.Duration(flagTimeout, 2*time.Second, "per-attempt command timeout")
	fs.Int(flagRetries, 0, "command retries after a timeout (0 for the default, -1 for none)")
	fs.String(flagMetricsAddr, "", "serve Prometheus metrics on `addr`")
}

// loadConfig layers the config file and TBCFG_* environment variables
// under the command line flags.
func loadConfig(v *viper.Viper) error {
	v.SetEnvPrefix("TBCFG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(flagConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}

		return nil
	}

	v.SetConfigName("tbcfg")
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

// newLogger builds a logger writing to w. The auto format picks a colored
// console encoder for terminals and JSON otherwise.
func newLogger(w io.Writer, level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}

	if format == "auto" {
		format = "json"
		if tty {
			format = "console"
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoder = zapcore.NewJSONEncoder(enc)

	case "console":
		if tty {
			enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		encoder = zapcore.NewConsoleEncoder(enc)

	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), lvl)), nil
}
