// Command artifortressd is the artifact-repository server of spec.md:
// it loads configuration, opens the Postgres metadata store and S3
// object store, wires every pkg/* component together, and serves the
// §6 HTTP route table.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sremani/artifortress/internal/config"
	"github.com/sremani/artifortress/internal/httpapi"
	"github.com/sremani/artifortress/internal/objectstore"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/store/postgres"
	"github.com/sremani/artifortress/pkg/audit"
	"github.com/sremani/artifortress/pkg/authn"
	"github.com/sremani/artifortress/pkg/blobs"
	"github.com/sremani/artifortress/pkg/gc"
	"github.com/sremani/artifortress/pkg/policy"
	"github.com/sremani/artifortress/pkg/reconcile"
	"github.com/sremani/artifortress/pkg/repos"
	"github.com/sremani/artifortress/pkg/upload"
	"github.com/sremani/artifortress/pkg/versions"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "artifortressd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "artifortressd",
	Short: "Artifortress content-addressed artifact repository server",
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a config file (optional; env vars always apply)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCheckCmd)
	rootCmd.AddCommand(gcCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	return config.Load(v)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		db, err := postgres.Open(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()

		objects, err := objectstore.NewS3Store(objectstore.S3Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			UseTLS:    cfg.ObjectStore.UseTLS,
			Bucket:    cfg.ObjectStore.Bucket,
			Region:    cfg.ObjectStore.Region,
		}, log)
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}

		var oidcVerifier *authn.OIDCVerifier
		if cfg.OIDC.Issuer != "" {
			oidcVerifier = authn.NewOIDCVerifier(cfg.OIDC)
		}
		resolver := authn.NewResolver(db, oidcVerifier)

		var samlHandler *authn.SAMLHandler
		if cfg.SAML.Enabled {
			samlHandler = authn.NewSAMLHandler(authn.SAMLConfig{
				ExpectedIssuer:    cfg.SAML.ExpectedIssuer,
				SPEntityID:        cfg.SAML.SPEntityID,
				IssuedPATTTL:      cfg.SAML.IssuedPATTTL,
				AttributeMappings: cfg.SAML.AttributeRoles,
			}, resolver)
		}

		opaEngine, err := policy.NewOPAEngine(ctx, "v1")
		if err != nil {
			return fmt.Errorf("load policy engine: %w", err)
		}
		policyGate := policy.NewGate(db, opaEngine, cfg.PolicyTimeout, log)

		redisAddr := os.Getenv("ARTIFORTRESS_REDIS_ADDR")
		if redisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
			policyGate = policyGate.WithCache(policy.NewRedisSuppressionCache(rdb, 30*time.Second, log))
		}

		reposSvc := repos.New(db)
		uploadEngine := upload.New(db, objects, log)
		blobIndex := blobs.NewIndex(db)
		blobReader := blobs.NewReader(db, objects, policyGate)
		versionsSvc := versions.New(db)
		gcRunner := gc.New(db, objects, log)
		auditLogger := audit.New(db)
		reconciler := reconcile.New(db)

		srv := &httpapi.Server{
			Store:           db,
			Resolver:        resolver,
			SAML:            samlHandler,
			Repos:           reposSvc,
			Uploads:         uploadEngine,
			BlobIndex:       blobIndex,
			BlobReader:      blobReader,
			Versions:        versionsSvc,
			Policy:          policyGate,
			GC:              gcRunner,
			Audit:           auditLogger,
			Reconciler:      reconciler,
			Log:             log,
			BootstrapSecret: cfg.BootstrapSecret,
			Ready: func(r *http.Request) error {
				if err := db.Ping(r.Context()); err != nil {
					return err
				}
				return objects.CheckAvailability(r.Context())
			},
		}

		httpSrv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("listening", zap.String("addr", cfg.ListenAddr))
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

var migrateCheckCmd = &cobra.Command{
	Use:   "migrate-check",
	Short: "Verify the configured Postgres DSN is reachable and print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := postgres.Open(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		fmt.Printf("listen_addr=%s bucket=%s gc_grace_hours=%d\n", cfg.ListenAddr, cfg.ObjectStore.Bucket, cfg.GC.GraceHours)
		fmt.Println("postgres reachable")
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collection operations",
}

var gcRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one garbage collection pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx := context.Background()
		db, err := postgres.Open(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()

		objects, err := objectstore.NewS3Store(objectstore.S3Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			UseTLS:    cfg.ObjectStore.UseTLS,
			Bucket:    cfg.ObjectStore.Bucket,
			Region:    cfg.ObjectStore.Region,
		}, log)
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}

		mode := store.GCExecute
		if dryRun {
			mode = store.GCDryRun
		}
		runner := gc.New(db, objects, log)
		run, err := runner.Run(ctx, gc.Options{
			Mode:       mode,
			GraceHours: cfg.GC.GraceHours,
			BatchSize:  cfg.GC.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("gc run: %w", err)
		}
		fmt.Printf("gc run %s: blobs_deleted=%d versions_expired=%d\n", run.RunID, run.DeletedBlobCount, run.DeletedVersionCount)
		return nil
	},
}

func init() {
	gcCmd.AddCommand(gcRunCmd)
	gcRunCmd.Flags().Bool("dry-run", false, "report candidates without deleting")
}
