package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	awsclient "github.com/spotsave/spotsave/internal/aws"
	stsclient "github.com/spotsave/spotsave/internal/aws/sts"
	"github.com/spotsave/spotsave/internal/config"
	"github.com/spotsave/spotsave/internal/server"
	"github.com/spotsave/spotsave/internal/store"
)

func NewServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		dbPath     string
		profile    string
		region     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SpotSave dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if profile == "" {
				profile = cfg.AWSProfile
			}
			addr, db, reg := cfg.Merge(listenAddr, dbPath, region)

			log := logrus.New()
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			database, err := store.Open(db)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer database.Close()
			if err := database.Migrate(); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			awsCfg, err := awsclient.LoadConfig(ctx, profile, reg)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}
			if accountID := awsclient.CallerAccountID(ctx, awsCfg); accountID != "" {
				log.WithField("accountId", accountID).Info("host AWS identity")
			}

			assumer := stsclient.NewClient(awsCfg)
			manager := store.NewManager(database, assumer, log, store.ManagerConfig{
				RefreshInterval: cfg.RefreshInterval(),
				PollInterval:    cfg.PollInterval(),
				CredentialTTL:   cfg.CredentialTTL(),
			})
			go manager.Run(ctx)

			sessions := scs.New()
			sessions.Store = sqlite3store.New(database.DB)
			sessions.Lifetime = 7 * 24 * time.Hour
			sessions.Cookie.SameSite = http.SameSiteLaxMode

			srv := server.New(database, sessions, manager, assumer, reg, cfg.CredentialTTL(), log)
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			log.WithFields(logrus.Fields{"addr": addr, "db": db}).Info("starting spotsave server")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "AWS profile to use")
	cmd.Flags().StringVarP(&region, "region", "r", "", "AWS region")

	return cmd
}
