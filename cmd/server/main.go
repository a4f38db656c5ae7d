package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/damacus/iron-folders/internal/config"
	"github.com/damacus/iron-folders/internal/handlers"
	"github.com/damacus/iron-folders/internal/logging"
	"github.com/damacus/iron-folders/internal/metrics"
	customMiddleware "github.com/damacus/iron-folders/internal/middleware"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	configFile := flag.String("config", "", "path to config.yml")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	metrics.Init(nil)

	factory, err := services.NewStoreFactory(cfg.FactoryConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("configure backend")
	}
	if len(cfg.Server.SessionKey) != 32 {
		log.Warn().Msg("server.session_key is not 32 bytes, sessions will not survive a restart")
	}
	sessions := services.NewSessionService(cfg.Server.SessionKey)

	e := newServer(cfg, factory, sessions)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("backend", string(factory.Kind())).Msg("server listening")
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("server shut down")
}

func newServer(cfg *config.Config, factory services.StoreFactory, sessions *services.SessionService) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handlers.HTTPErrorHandler
	e.Validator = handlers.NewValidator()

	authHandler := handlers.NewAuthHandler(sessions, factory)
	containersHandler := handlers.NewContainersHandler(factory, cfg.TreeOptions(), cfg.ArchiveOptions())

	// Middleware
	e.Use(logging.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(customMiddleware.SecurityHeaders())
	e.Use(customMiddleware.CSRF())
	// Apply auth middleware globally - it will skip public routes internally
	e.Use(customMiddleware.AuthMiddleware(sessions))

	// Public Routes (auth middleware will skip these)
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/session", authHandler.Login)
	e.DELETE("/session", authHandler.Logout)

	// Protected Routes
	e.GET("/api/session", authHandler.Session)

	api := e.Group("/api/containers/:container")
	api.GET("/children", containersHandler.Children)
	api.GET("/search", containersHandler.Search)
	api.GET("/stats", containersHandler.Stats)
	api.GET("/usage", containersHandler.Usage)

	// Folders
	api.POST("/folders", containersHandler.CreateFolder)
	api.POST("/folders/rename", containersHandler.RenameFolder)
	api.POST("/folders/copy", containersHandler.CopyFolder)
	api.POST("/folders/delete", containersHandler.DeleteFolder)
	api.POST("/transfer", containersHandler.Transfer)

	// Objects
	api.POST("/objects", containersHandler.Upload)
	api.GET("/objects", containersHandler.Download)
	api.DELETE("/objects", containersHandler.DeleteObject)
	api.POST("/objects/rename", containersHandler.RenameFile)

	// Downloads and links
	api.GET("/zip", containersHandler.DownloadZip)
	api.POST("/zip", containersHandler.DownloadSelection)
	api.POST("/share", containersHandler.Share)

	return e
}
