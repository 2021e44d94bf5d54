package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/lemonforge/runsched/internal/config"
)

const keyringService = "runsched"

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run configuration wizard",
	Args:  cobra.NoArgs,
	RunE:  runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	maxConcurrent := strconv.Itoa(cfg.Scheduler.MaxConcurrent)
	gatewayAddr := cfg.Gateway.Addr
	if gatewayAddr == "" {
		gatewayAddr = ":8099"
	}
	gatewayEnabled := cfg.Gateway.Enabled
	telegramToken := cfg.Channels.Telegram.Token
	storeDriver := cfg.Store.Driver
	if storeDriver == "" {
		storeDriver = "memory"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Global concurrency cap").
				Description("Max runs in flight across every session.").
				Value(&maxConcurrent),
			huh.NewSelect[string]().
				Title("Store backend").
				Options(
					huh.NewOption("memory (no persistence)", "memory"),
					huh.NewOption("sqlite", "sqlite"),
					huh.NewOption("postgres", "postgres"),
				).
				Value(&storeDriver),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the control-plane gateway?").
				Value(&gatewayEnabled),
			huh.NewInput().
				Title("Gateway listen address").
				Value(&gatewayAddr),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token (optional, stored in OS keyring)").
				Value(&telegramToken),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if n, err := strconv.Atoi(maxConcurrent); err == nil && n > 0 {
		cfg.Scheduler.MaxConcurrent = n
	}
	cfg.Store.Driver = storeDriver
	cfg.Gateway.Enabled = gatewayEnabled
	cfg.Gateway.Addr = gatewayAddr

	tokenInFile := false
	if telegramToken != "" {
		cfg.Channels.Telegram.Enabled = true
		if err := keyring.Set(keyringService, "telegram_token", telegramToken); err != nil {
			fmt.Printf("warning: could not store telegram token in OS keyring (%v), falling back to config file\n", err)
			cfg.Channels.Telegram.Token = telegramToken
			tokenInFile = true
		}
	}

	toSave := config.Clone(cfg)
	toSave.StripSecrets()
	if tokenInFile {
		toSave.Channels.Telegram.Token = telegramToken
	}
	if err := config.Save(cfgPath, toSave); err != nil {
		return fmt.Errorf("setup: save config: %w", err)
	}

	fmt.Println("Configuration saved to", cfgPath)
	return nil
}
