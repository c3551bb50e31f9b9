package server

import (
	"bytes"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/service"
)

type handlers struct {
	service *service.Service
	parser  contract.HTTPRequestParser
}

// registerRoutes mounts the REST operations on an app serving /api/v1.
//
//nolint:funlen
func registerRoutes(app *fiber.App, h *handlers) {
	app.Post("/meters", h.createMeter)
	app.Get("/meters", h.listMeters)
	app.Get("/meters/:id", h.getMeter)
	app.Post("/meters/:id/readings", h.ingestReadings)
	app.Get("/meters/:id/readings", h.queryReadings)
	app.Post("/readings/import", h.importReadings)

	app.Post("/detect/preview", h.previewDetection)

	app.Post("/experiments", h.createExperiment)
	app.Get("/experiments", h.listExperiments)
	app.Get("/experiments/:id", h.getExperiment)
	app.Delete("/experiments/:id", h.deleteExperiment)
	app.Post("/experiments/:id/datasets", h.createDataset)
	app.Get("/experiments/:id/datasets", h.listDatasets)

	app.Get("/datasets/:id", h.getDataset)
	app.Patch("/datasets/:id/status", h.updateDatasetStatus)
	app.Get("/datasets/:id/events", h.searchEvents)
	app.Post("/datasets/:id/events/label", h.labelEvents)
	app.Get("/datasets/:id/export", h.exportDataset)
	app.Post("/datasets/:id/models", h.submitTraining)

	app.Get("/events/:id", h.getEvent)
	app.Patch("/events/:id", h.labelEvent)

	app.Get("/models", h.listModels)
	app.Get("/models/:id", h.getModel)
	app.Post("/models/:id/cancel", h.cancelTraining)
}

func (h *handlers) createMeter(ctx *fiber.Ctx) error {
	var input entities.CreateMeter
	if err := h.parser.ParseBody(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.CreateMeter(ctx.Context(), &input)
	if err != nil {
		return err
	}

	return ctx.Status(fiber.StatusCreated).JSON(output)
}

func (h *handlers) listMeters(ctx *fiber.Ctx) error {
	var input entities.ListMeters
	if err := h.parser.ParseQuery(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.ListMeters(ctx.Context(), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(fiber.Map{"meters": output})
}

func (h *handlers) getMeter(ctx *fiber.Ctx) error {
	output, err := h.service.GetMeter(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) ingestReadings(ctx *fiber.Ctx) error {
	var input entities.IngestReadings
	if err := h.parser.ParseBody(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.IngestReadings(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) queryReadings(ctx *fiber.Ctx) error {
	var input entities.QueryReadings
	if err := h.parser.ParseQuery(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.QueryReadings(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(fiber.Map{"readings": output})
}

func (h *handlers) importReadings(ctx *fiber.Ctx) error {
	contentType := strings.ToLower(ctx.Get(fiber.HeaderContentType))
	if !strings.HasPrefix(contentType, "text/csv") {
		return contract.NewError(contract.ErrorCodeBadRequest, "readings import expects a text/csv body")
	}

	output, err := h.service.ImportCSV(ctx.Context(), bytes.NewReader(ctx.Body()))
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) previewDetection(ctx *fiber.Ctx) error {
	var input entities.DetectionRequest
	if err := h.parser.ParseBody(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.PreviewDetection(ctx.Context(), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) createExperiment(ctx *fiber.Ctx) error {
	var input entities.CreateExperiment
	if err := h.parser.ParseBody(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.CreateExperiment(ctx.Context(), &input)
	if err != nil {
		return err
	}

	return ctx.Status(fiber.StatusCreated).JSON(output)
}

func (h *handlers) listExperiments(ctx *fiber.Ctx) error {
	var input entities.ListExperiments
	if err := h.parser.ParseQuery(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.ListExperiments(ctx.Context(), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(fiber.Map{"experiments": output})
}

func (h *handlers) getExperiment(ctx *fiber.Ctx) error {
	output, err := h.service.GetExperiment(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) deleteExperiment(ctx *fiber.Ctx) error {
	if err := h.service.DeleteExperiment(ctx.Context(), ctx.Params("id")); err != nil {
		return err
	}

	return ctx.JSON(fiber.Map{})
}

func (h *handlers) createDataset(ctx *fiber.Ctx) error {
	var input entities.CreateDataset
	if err := h.parser.ParseBody(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.CreateDataset(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.Status(fiber.StatusCreated).JSON(output)
}

func (h *handlers) listDatasets(ctx *fiber.Ctx) error {
	output, err := h.service.ListDatasets(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(fiber.Map{"datasets": output})
}

func (h *handlers) getDataset(ctx *fiber.Ctx) error {
	output, err := h.service.GetDataset(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) updateDatasetStatus(ctx *fiber.Ctx) error {
	var input entities.UpdateDatasetStatus
	if err := h.parser.ParseBody(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.UpdateDatasetStatus(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) searchEvents(ctx *fiber.Ctx) error {
	var input entities.SearchEvents
	if err := h.parser.ParseQuery(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.SearchEvents(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) labelEvents(ctx *fiber.Ctx) error {
	var input entities.LabelEvents
	if err := h.parser.ParseBody(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.LabelEvents(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) exportDataset(ctx *fiber.Ctx) error {
	var input entities.PUOptions
	if err := h.parser.ParseQuery(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.ExportDataset(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) submitTraining(ctx *fiber.Ctx) error {
	var input entities.SubmitTraining
	// every field is optional
	if len(ctx.Body()) > 0 {
		if err := h.parser.ParseBody(ctx, &input); err != nil {
			return err
		}
	}

	output, err := h.service.SubmitTraining(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.Status(fiber.StatusAccepted).JSON(output)
}

func (h *handlers) getEvent(ctx *fiber.Ctx) error {
	output, err := h.service.GetEvent(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) labelEvent(ctx *fiber.Ctx) error {
	var input entities.LabelEvent
	if err := h.parser.ParseBody(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.LabelEvent(ctx.Context(), ctx.Params("id"), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) listModels(ctx *fiber.Ctx) error {
	var input entities.ListModels
	if err := h.parser.ParseQuery(ctx, &input); err != nil {
		return err
	}

	output, err := h.service.ListModels(ctx.Context(), &input)
	if err != nil {
		return err
	}

	return ctx.JSON(fiber.Map{"models": output})
}

func (h *handlers) getModel(ctx *fiber.Ctx) error {
	output, err := h.service.GetModel(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}

func (h *handlers) cancelTraining(ctx *fiber.Ctx) error {
	output, err := h.service.CancelTraining(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(output)
}
