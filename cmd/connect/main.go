package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/Brahma-fi/brahma-connect/internal/dapp"
	"github.com/Brahma-fi/brahma-connect/internal/forkd"
	"github.com/Brahma-fi/brahma-connect/internal/kernel"
	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "connect"

var rootCmd = &cobra.Command{
	Use:          appName,
	Short:        "Console kernel: run dapps against a controlling account through simulated forks",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Initialize(slog.LevelDebug)

		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.SetEnvPrefix("CONNECT")
		viper.AutomaticEnv()

		if execPath, err := os.Executable(); err == nil {
			viper.AddConfigPath(filepath.Dir(execPath))
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")

		if err := configs.RegisterDefaults(viper.GetViper()); err != nil {
			return err
		}

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				slog.Debug("no config file found, will rely on flags and defaults")
			} else {
				const errMsg = "error reading config file"
				slog.With("err", err.Error()).Error(errMsg)
				return errors.Join(err, errors.New(errMsg))
			}
		} else {
			slog.With("config_file", viper.ConfigFileUsed()).Debug("config file loaded")
		}

		if err := viper.Unmarshal(&configs.Values); err != nil {
			const errMsg = "unable to decode application config"
			slog.With("err", err.Error()).Error(errMsg)
			return errors.Join(err, errors.New(errMsg))
		}

		logCfg := configs.Values.Log
		logger.InitializeWithFile(logger.ParseLevel(logCfg.Level), logger.FileOptions{
			Path:       logCfg.File,
			MaxSizeMB:  logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
		})

		slog.With("config", configs.Values).Debug("configuration loaded")

		return nil
	},
}

func main() {
	rootCmd.AddCommand(kernel.CMD)
	rootCmd.AddCommand(kernel.RulesCMD)
	rootCmd.AddCommand(kernel.ContextsCMD)
	rootCmd.AddCommand(kernel.JournalCMD)
	rootCmd.AddCommand(forkd.CMD)
	rootCmd.AddCommand(dapp.CMD)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.With("err", err.Error()).Error("failed to execute root command")
		stop()
		os.Exit(1)
	}
}
