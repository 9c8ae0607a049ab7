package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/notibot/internal/botpkg"
	"github.com/user/notibot/internal/capture"
	"github.com/user/notibot/internal/types"
	"github.com/user/notibot/internal/webhook"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("event", "e", "", "notification fixture, YAML or JSON ('-' for stdin)")
	runCmd.Flags().String("script", "", "run this local script instead of the installed bot")
	runCmd.Flags().Bool("quiet", false, "print only the resulting effect")
	runCmd.Flags().Bool("ephemeral", false, "use throwaway in-memory bot storage")
	_ = runCmd.MarkFlagRequired("event")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot once against a notification fixture",
	Long: `Run executes the bot against one notification and prints the resolved
effect. Nothing is delivered. Bot storage is shared with the daemon
unless --ephemeral is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventPath, _ := cmd.Flags().GetString("event")
		scriptPath, _ := cmd.Flags().GetString("script")
		quiet, _ := cmd.Flags().GetBool("quiet")
		ephemeral, _ := cmd.Flags().GetBool("ephemeral")

		cfg := loadConfig()
		setupLogging(cfg)

		ev, err := readEvent(eventPath)
		if err != nil {
			return err
		}

		a, err := newApp(cfg, ephemeral)
		if err != nil {
			return err
		}
		defer a.Close()
		a.capture.SetEnabled(!quiet)

		proc := a.processor
		if scriptPath != "" {
			proc = a.processorFor(&fileScript{path: scriptPath, maxBytes: cfg.Bot.MaxScriptBytes})
		}

		normalizer := &capture.Normalizer{}
		eff := proc.Process(cmd.Context(), types.NewRunID(), normalizer.Normalize(ev))

		if !quiet {
			for _, e := range a.capture.Logs() {
				fmt.Fprintln(os.Stderr, e)
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(webhook.EncodeEffect(eff))
	},
}

// readEvent decodes a fixture by extension. Stdin and unknown extensions
// go through the YAML decoder, which also accepts JSON.
func readEvent(path string) (*types.NotificationEvent, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	var ev types.NotificationEvent
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid event json: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("invalid event yaml: %w", err)
	}
	if ev.SourceApp == "" {
		return nil, fmt.Errorf("event is missing sourceApp")
	}
	if ev.Channel == "" {
		ev.Channel = types.NewChannelKey("cli", filepath.Base(path))
	}
	return &ev, nil
}

// fileScript serves a local file as the bot, validated like an install.
type fileScript struct {
	path     string
	maxBytes int64
}

func (f *fileScript) LoadScript() (string, *botpkg.Package, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", nil, fmt.Errorf("read script: %w", err)
	}
	if err := botpkg.Validate(data, f.maxBytes); err != nil {
		return "", nil, err
	}
	abs, _ := filepath.Abs(f.path)
	return string(data), &botpkg.Package{
		SourceURL:   "file://" + abs,
		ContentHash: botpkg.Hash(data),
		SizeBytes:   int64(len(data)),
	}, nil
}
