package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"living-photo/internal/api/handlers"
	"living-photo/internal/config"
	"living-photo/internal/middleware"
	"living-photo/internal/services/projects"
)

// StoragePrefix is the URL path the project folders are served under.
const StoragePrefix = "/storage"

func NewServer(cfg *config.Config, svc *projects.Service) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "living-photo",
		BodyLimit: cfg.MaxUploadMB << 20,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	app.Static(StoragePrefix, cfg.StoragePath)

	handlers.RegisterHealthRoutes(app)
	handlers.RegisterProjectRoutes(app, svc, middleware.RequireAdmin(cfg.JWTSecret))

	return app
}
