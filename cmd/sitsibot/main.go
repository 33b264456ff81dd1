package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/auth"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/config"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/database"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/logging"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "sitsibot"
	tokenAudience = "sitsibot-admin"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sitsibot",
		Short: "Demokratiasitsit voting and initiative bot",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newIssueTokenCommand(), newImportUsersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("telegram-token", "", "Telegram bot token (overrides env)")
	cmd.PersistentFlags().String("telegram-mode", defaults.GetString("telegram.mode"), "Update delivery mode (polling, webhook)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Admin API token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin API signing secret (overrides env)")

	bindFlag(cmd, "telegram.token", "telegram-token")
	bindFlag(cmd, "telegram.mode", "telegram-mode")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sitsibot")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and its HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print an admin API bearer token for an admin chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if chatID == 0 {
				chatID = appConfig.PrimaryAdmin()
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), chatID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "valid for %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "Admin chat id (defaults to the first configured admin)")
	return cmd
}

func newImportUsersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import-users <roster.yaml>",
		Short: "Import participants and group memberships from a YAML roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd, args[0])
		},
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runImport(ctx context.Context, cmd *cobra.Command, path string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	summary, err := userService.Import(ctx, file)
	if err != nil {
		return err
	}
	logger.Info("roster imported",
		zap.String("path", path),
		zap.Int("users", summary.Users),
		zap.Int("memberships", summary.Memberships))
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d users and %d group memberships\n", summary.Users, summary.Memberships)
	return nil
}

func runServe(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer app.close()

	errCh := make(chan error, 2)
	if app.handler != nil {
		httpServer := &http.Server{
			Addr:              appConfig.HTTPAddress,
			Handler:           app.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown failed", zap.Error(err))
			}
		}()
	}

	switch appConfig.TelegramMode {
	case config.ModeWebhook:
		webhookURL := appConfig.TelegramWebhookURL + "/telegram/webhook/" + appConfig.TelegramWebhookSecret
		if err := app.client.SetWebhook(signalCtx, webhookURL); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
		logger.Info("webhook registered", zap.String("base_url", appConfig.TelegramWebhookURL))
	default:
		go func() {
			if err := app.poller.Run(signalCtx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-signalCtx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
