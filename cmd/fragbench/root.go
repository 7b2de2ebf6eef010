package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/andreyvit/fragbench"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logFormat  string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "fragbench",
		Short:         "Storage fragmentation benchmark",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML or JSON config file")
	pf.StringVar(&g.logFormat, "log-format", "text", "Log format: text or json")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Log every cycle")

	root.AddCommand(newRunCmd(g), newProbeCmd(g), newDumpCmd(g))
	return root
}

func (g *globalFlags) logger(w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	hopt := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(g.logFormat) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, hopt)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopt)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (must be text or json)", g.logFormat)
	}
}

func (g *globalFlags) loadConfig() (*fragbench.Config, error) {
	cfg := fragbench.DefaultConfig()
	if g.configPath != "" {
		var err error
		cfg, err = fragbench.LoadConfig(g.configPath)
		if err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func writeOutput(w io.Writer, format string, text func(io.Writer) error, json func(io.Writer) error) error {
	switch strings.ToLower(format) {
	case "text", "":
		return text(w)
	case "json":
		return json(w)
	default:
		return fmt.Errorf("invalid output format %q (must be text or json)", format)
	}
}
