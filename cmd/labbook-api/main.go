package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/parkside-labs/labbook/internal/audit"
	"github.com/parkside-labs/labbook/internal/auth"
	"github.com/parkside-labs/labbook/internal/config"
	"github.com/parkside-labs/labbook/internal/database"
	"github.com/parkside-labs/labbook/internal/docstore"
	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/genai"
	"github.com/parkside-labs/labbook/internal/ids"
	"github.com/parkside-labs/labbook/internal/logging"
	"github.com/parkside-labs/labbook/internal/notify"
	"github.com/parkside-labs/labbook/internal/pipeline"
	"github.com/parkside-labs/labbook/internal/projects"
	"github.com/parkside-labs/labbook/internal/server"
	"github.com/parkside-labs/labbook/internal/users"
	"github.com/parkside-labs/labbook/internal/workflow"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "labbook-api",
		Short: "LabBook electronic lab notebook backend service",
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
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("docstore-endpoint", defaults.GetString("docstore.endpoint"), "Document store endpoint")
	cmd.PersistentFlags().String("docstore-bucket", defaults.GetString("docstore.bucket"), "Document store bucket")
	cmd.PersistentFlags().String("docstore-access-key", "", "Document store access key")
	cmd.PersistentFlags().String("docstore-secret-key", "", "Document store secret key")
	cmd.PersistentFlags().Bool("docstore-use-ssl", defaults.GetBool("docstore.use_ssl"), "Use TLS for the document store")
	cmd.PersistentFlags().String("genai-api-key", "", "Generative model API key")
	cmd.PersistentFlags().String("genai-model", defaults.GetString("genai.model"), "Generative model name")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "docstore.endpoint", "docstore-endpoint")
	bindFlag(cmd, "docstore.bucket", "docstore-bucket")
	bindFlag(cmd, "docstore.access_key", "docstore-access-key")
	bindFlag(cmd, "docstore.secret_key", "docstore-secret-key")
	bindFlag(cmd, "docstore.use_ssl", "docstore-use-ssl")
	bindFlag(cmd, "genai.api_key", "genai-api-key")
	bindFlag(cmd, "genai.model", "genai-model")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "labbook-auth",
		Audience:      "labbook-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience: appConfig.GoogleClientID,
		JWKSURL:  appConfig.GoogleJWKSURL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	documents, err := docstore.NewMinioStore(docstore.MinioConfig{
		Endpoint:  appConfig.DocstoreEndpoint,
		AccessKey: appConfig.DocstoreAccessKey,
		SecretKey: appConfig.DocstoreSecretKey,
		Bucket:    appConfig.DocstoreBucket,
		UseSSL:    appConfig.DocstoreUseSSL,
	})
	if err != nil {
		return err
	}

	model, err := genai.NewGeminiClient(genai.GeminiClientConfig{
		APIKey:  appConfig.GenAIAPIKey,
		Model:   appConfig.GenAIModel,
		BaseURL: appConfig.GenAIBaseURL,
	})
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()

	accountService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	auditRecorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	notifyService, err := notify.NewService(notify.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	projectService, err := projects.NewService(projects.ServiceConfig{
		Database:  db,
		Documents: documents,
		IDs:       idProvider,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	experimentService, err := experiments.NewService(experiments.ServiceConfig{
		Database:  db,
		Documents: documents,
		IDs:       idProvider,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	workflowEngine, err := workflow.NewEngine(workflow.EngineConfig{
		Database:    db,
		Experiments: experimentService,
		Documents:   documents,
		Audit:       auditRecorder,
		Notify:      notifyService,
		Accounts:    accountService,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ingestPipeline, err := pipeline.NewPipeline(pipeline.PipelineConfig{
		Documents: documents,
		Model:     model,
		Audit:     auditRecorder,
		Logger:    logger,
		Clock:     time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: googleVerifier,
		TokenManager:   tokenManager,
		Accounts:       accountService,
		Projects:       projectService,
		Experiments:    experimentService,
		Workflow:       workflowEngine,
		Pipeline:       ingestPipeline,
		Notifications:  notifyService,
		Audit:          auditRecorder,
		Logger:         logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
