package handlers

import "github.com/gofiber/fiber/v2"

func RegisterHealthRoutes(app fiber.Router) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
