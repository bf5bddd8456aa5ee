package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hankbao/conduit/internal/accountdata"
	"github.com/hankbao/conduit/internal/auth"
	"github.com/hankbao/conduit/internal/config"
	"github.com/hankbao/conduit/internal/database"
	"github.com/hankbao/conduit/internal/edus"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/logging"
	"github.com/hankbao/conduit/internal/rooms"
	"github.com/hankbao/conduit/internal/server"
	"github.com/hankbao/conduit/internal/storage"
	syncsvc "github.com/hankbao/conduit/internal/sync"
	"github.com/hankbao/conduit/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit chat homeserver",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("server-name", defaults.GetString("server.name"), "Server name used in room and alias identifiers")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("allow-encryption", defaults.GetBool("rooms.allow_encryption"), "Allow encryption state events")
	cmd.PersistentFlags().Duration("max-sync-wait", defaults.GetDuration("sync.max_wait"), "Upper bound on long-poll sync waits")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "server.name", "server-name")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "rooms.allow_encryption", "allow-encryption")
	bindFlag(cmd, "sync.max_wait", "max-sync-wait")
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
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
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

	store := storage.New(db)

	globalsService, err := globals.New(globals.Config{
		Store:           store,
		ServerName:      appConfig.ServerName,
		AllowEncryption: appConfig.AllowEncryption,
	})
	if err != nil {
		return err
	}

	userStore, err := users.NewStore(users.Config{
		Store:   store,
		Globals: globalsService,
		Clock:   time.Now,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	roomStore, err := rooms.New(rooms.Config{
		Store:    store,
		Globals:  globalsService,
		Profiles: userStore,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	accountDataStore, err := accountdata.NewStore(accountdata.Config{
		Store:   store,
		Globals: globalsService,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	eduStore, err := edus.NewStore(edus.Config{
		Store:   store,
		Globals: globalsService,
		Clock:   time.Now,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	syncService, err := syncsvc.NewService(syncsvc.Config{
		Globals:     globalsService,
		Rooms:       roomStore,
		AccountData: accountDataStore,
		EDUs:        eduStore,
		Users:       userStore,
		MaxWait:     appConfig.MaxSyncWait,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.ServerName,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Users:        userStore,
		Rooms:        roomStore,
		AccountData:  accountDataStore,
		EDUs:         eduStore,
		Sync:         syncService,
		Globals:      globalsService,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("server_name", appConfig.ServerName))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
