package handlers

import (
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"living-photo/internal/models"
	"living-photo/internal/services/projects"
)

type ProjectHandler struct {
	svc *projects.Service
}

// RegisterProjectRoutes mounts the project and item API. admin guards every
// route that changes an existing project; creating and reading stay open.
func RegisterProjectRoutes(app fiber.Router, svc *projects.Service, admin fiber.Handler) {
	h := &ProjectHandler{svc: svc}

	r := app.Group("/api/ar/projects")
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/:id", h.status)
	r.Get("/:id/logs", h.logs)
	r.Post("/:id/recompile", admin, h.recompile)
	r.Patch("/:id/config", admin, h.updateConfig)
	r.Delete("/:id", admin, h.delete)
	r.Post("/:id/archive", admin, h.archive)
	r.Post("/:id/extend", admin, h.extend)

	r.Post("/:id/items", admin, h.createItem)
	r.Patch("/:id/items/:itemId", admin, h.updateItem)
	r.Delete("/:id/items/:itemId", admin, h.deleteItem)
}

func (h *ProjectHandler) create(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "expected multipart form")
	}
	files := &openFiles{}
	defer files.Close()

	var in projects.CreateInput
	if in.Photo, err = files.open(form, "photo"); err != nil {
		return errJson(c, err)
	}
	if in.Video, err = files.open(form, "video"); err != nil {
		return errJson(c, err)
	}
	if in.Mask, err = files.open(form, "mask"); err != nil {
		return errJson(c, err)
	}

	if v := formValue(form, "aspectRatio"); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return badRequest(c, "invalid aspectRatio")
		}
		in.AspectRatio = &ratio
	}
	if in.IsDemo, err = formBool(form, "isDemo"); err != nil {
		return badRequest(c, "invalid isDemo")
	}
	if in.Album, err = formBool(form, "album"); err != nil {
		return badRequest(c, "invalid album")
	}
	if v := formValue(form, "orderId"); v != "" {
		in.OrderID = &v
	}

	p, err := h.svc.Create(c.UserContext(), in)
	if err != nil {
		return errJson(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(p)
}

func (h *ProjectHandler) list(c *fiber.Ctx) error {
	list, err := h.svc.List(c.UserContext(), c.QueryBool("includeArchived", false))
	if err != nil {
		return errJson(c, err)
	}
	if list == nil {
		list = []models.Project{}
	}
	return c.JSON(list)
}

func (h *ProjectHandler) status(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	st, err := h.svc.Status(c.UserContext(), id)
	if err != nil {
		return errJson(c, err)
	}
	return c.JSON(st)
}

func (h *ProjectHandler) logs(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	logs, err := h.svc.Logs(c.UserContext(), id)
	if err != nil {
		return errJson(c, err)
	}
	return c.JSON(logs)
}

func (h *ProjectHandler) recompile(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	if err := h.svc.Recompile(c.UserContext(), id); err != nil {
		return errJson(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
}

func (h *ProjectHandler) updateConfig(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	var patch models.Config
	if err := c.BodyParser(&patch); err != nil {
		return badRequest(c, "invalid body")
	}
	p, err := h.svc.UpdateCalibration(c.UserContext(), id, patch)
	if err != nil {
		return errJson(c, err)
	}
	return c.JSON(p)
}

func (h *ProjectHandler) delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	if err := h.svc.Delete(c.UserContext(), id); err != nil {
		return errJson(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ProjectHandler) archive(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	p, err := h.svc.Archive(c.UserContext(), id)
	if err != nil {
		return errJson(c, err)
	}
	return c.JSON(p)
}

func (h *ProjectHandler) extend(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	var payload struct {
		Hours int `json:"hours"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid body")
	}
	p, err := h.svc.ExtendDemo(c.UserContext(), id, payload.Hours)
	if err != nil {
		return errJson(c, err)
	}
	return c.JSON(p)
}

func (h *ProjectHandler) createItem(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "expected multipart form")
	}
	files := &openFiles{}
	defer files.Close()

	in := projects.ItemInput{Name: formValue(form, "name")}
	if in.Photo, err = files.open(form, "photo"); err != nil {
		return errJson(c, err)
	}
	if in.Video, err = files.open(form, "video"); err != nil {
		return errJson(c, err)
	}
	if in.Mask, err = files.open(form, "mask"); err != nil {
		return errJson(c, err)
	}

	item, err := h.svc.CreateItem(c.UserContext(), id, in)
	if err != nil {
		return errJson(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(item)
}

func (h *ProjectHandler) updateItem(c *fiber.Ctx) error {
	id, itemID, err := itemParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var patch models.Config
	if err := c.BodyParser(&patch); err != nil {
		return badRequest(c, "invalid body")
	}
	item, err := h.svc.UpdateItemCalibration(c.UserContext(), id, itemID, patch)
	if err != nil {
		return errJson(c, err)
	}
	return c.JSON(item)
}

func (h *ProjectHandler) deleteItem(c *fiber.Ctx) error {
	id, itemID, err := itemParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.svc.DeleteItem(c.UserContext(), id, itemID); err != nil {
		return errJson(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func itemParams(c *fiber.Ctx) (uuid.UUID, uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid project id")
	}
	itemID, err := uuid.Parse(c.Params("itemId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid item id")
	}
	return id, itemID, nil
}

// openFiles keeps multipart parts open until the handler returns.
type openFiles struct {
	files []multipart.File
}

func (o *openFiles) open(form *multipart.Form, field string) (*projects.Upload, error) {
	headers := form.File[field]
	if len(headers) == 0 {
		return nil, nil
	}
	f, err := headers[0].Open()
	if err != nil {
		return nil, err
	}
	o.files = append(o.files, f)
	return &projects.Upload{Filename: headers[0].Filename, Body: f}, nil
}

func (o *openFiles) Close() {
	for _, f := range o.files {
		f.Close()
	}
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func formBool(form *multipart.Form, key string) (bool, error) {
	v := formValue(form, key)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
