package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/notibot/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("notibot setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Bot.URL = prompt(scanner, "Bot script URL (https, optional)", cfg.Bot.URL)
		if cfg.Bot.URL != "" && !strings.HasPrefix(strings.ToLower(cfg.Bot.URL), "https://") {
			return fmt.Errorf("bot URL must use https")
		}
		cfg.Bot.ExpectedSHA256 = prompt(scanner, "Expected SHA-256 (optional)", cfg.Bot.ExpectedSHA256)
		cfg.Bot.AutoUpdate = promptBool(scanner, "Check for bot updates every 6 hours", cfg.Bot.AutoUpdate)
		cfg.Attachments.Enabled = promptBool(scanner, "Let the bot read notification attachments", cfg.Attachments.Enabled)
		cfg.Attachments.SendEnabled = promptBool(scanner, "Let the bot send attachments with replies", cfg.Attachments.SendEnabled)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func promptBool(scanner *bufio.Scanner, label string, defaultVal bool) bool {
	def := "y/N"
	if defaultVal {
		def = "Y/n"
	}
	switch strings.ToLower(prompt(scanner, label+" ("+def+")", "")) {
	case "y", "yes", "true":
		return true
	case "n", "no", "false":
		return false
	default:
		return defaultVal
	}
}
