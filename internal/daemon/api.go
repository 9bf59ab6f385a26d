package daemon

import (
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/store"
	"github.com/reeflab/plateflow/internal/transport"
)

// newAPI builds the HTTP control surface. The API never talks to hardware
// directly: movements go through the transport queue and task mutations go
// through the store, exactly like the scheduler's own.
func (d *Daemon) newAPI() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "plateflow",
		DisableStartupMessage: true,
	})

	v1 := app.Group("/api/v1")
	v1.Get("/ping", d.handlePing)
	v1.Get("/status", d.handleStatus)

	v1.Get("/tasks", d.handleListTasks)
	v1.Post("/tasks", d.handleAddTask)
	v1.Get("/tasks/:name", d.handleGetTask)
	v1.Delete("/tasks/:name", d.handleDeleteTask)

	v1.Post("/transport/load", d.handleTransport(transport.ActionLoad))
	v1.Post("/transport/unload", d.handleTransport(transport.ActionUnload))
	v1.Get("/transport/status", d.handleTransportStatus)

	v1.Post("/timelapse/offline", d.handleOfflineTimelapse)

	return app
}

func (d *Daemon) handlePing(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (d *Daemon) handleStatus(c *fiber.Ctx) error {
	ts := d.worker.Status()
	scopes := d.mgr.ConnectedMicroscopes()
	sort.Strings(scopes)
	return c.JSON(StatusResponse{
		ActiveTask:           d.rt.ActiveTask(),
		CriticalOperation:    d.rt.InCritical(),
		SampleOnMicroscope:   d.rt.SampleFlags(),
		ConnectedMicroscopes: scopes,
		TransportState:       ts.State,
		TransportQueueDepth:  ts.Depth,
		TransportBusy:        ts.Busy,
	})
}

func (d *Daemon) handleListTasks(c *fiber.Ctx) error {
	raw, err := d.store.ListEntries()
	if err != nil {
		d.log.Error().Err(err).Msg("task list failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(raw)
}

func (d *Daemon) handleGetTask(c *fiber.Ctx) error {
	name := c.Params("name")
	snap, ok := d.store.Get(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
	}
	return c.JSON(taskResponse(snap))
}

func (d *Daemon) handleAddTask(c *fiber.Ctx) error {
	var req AddTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := req.Validate(); err != nil {
		d.log.Warn().Err(err).Str("task", req.Name).Msg("add task rejected")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := d.store.AddTask(req.Name, req.Settings); err != nil {
		d.log.Error().Err(err).Str("task", req.Name).Msg("add task failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	snap, ok := d.store.Get(req.Name)
	if !ok {
		// Written but skipped by reconcile; report what we know.
		return c.SendStatus(fiber.StatusCreated)
	}
	return c.Status(fiber.StatusCreated).JSON(taskResponse(snap))
}

func (d *Daemon) handleDeleteTask(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := d.store.DeleteTask(name); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
		}
		d.log.Error().Err(err).Str("task", name).Msg("delete task failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleTransport queues a manual movement and waits for the worker to run
// it, so the response reflects the hardware outcome.
func (d *Daemon) handleTransport(action transport.Action) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req TransportRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if err := req.Validate(); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		if !d.store.HasMicroscope(req.MicroscopeID) {
			d.log.Warn().Str("microscope", req.MicroscopeID).Msg("manual transport for unconfigured microscope rejected")
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "unknown microscope " + req.MicroscopeID,
			})
		}

		if err := d.worker.Do(c.Context(), action, req.Slot, req.MicroscopeID); err != nil {
			switch {
			case errors.Is(err, transport.ErrQueueFull):
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
			case errors.Is(err, transport.ErrQueueClosed):
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
			default:
				d.log.Error().Err(err).Str("action", string(action)).Msg("manual transport failed")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
			}
		}
		return c.JSON(fiber.Map{"status": "done", "action": string(action)})
	}
}

func (d *Daemon) handleTransportStatus(c *fiber.Ctx) error {
	return c.JSON(d.worker.Status())
}

func (d *Daemon) handleOfflineTimelapse(c *fiber.Ctx) error {
	var req OfflineTimelapseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	micID := req.MicroscopeID
	if micID == "" {
		ids := d.store.MicroscopeIDs()
		if len(ids) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no microscope configured"})
		}
		micID = ids[0]
	}

	mic, err := d.mgr.Microscope(c.Context(), micID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	// Every task whose name contains the experiment id is pinned as
	// uploading so the scheduler and file reconciliation leave it alone
	// while the microscope service works.
	var pinned []string
	for _, snap := range d.store.Snapshots() {
		if !strings.Contains(snap.Name, req.ExperimentID) {
			continue
		}
		if err := d.store.UpdateTask(snap.Name, model.StatusUploading, nil); err != nil {
			d.log.Warn().Err(err).Str("task", snap.Name).Msg("could not pin task for upload")
			continue
		}
		pinned = append(pinned, snap.Name)
	}
	finish := func(status model.Status) {
		for _, name := range pinned {
			if err := d.store.UpdateTask(name, status, nil); err != nil {
				d.log.Warn().Err(err).Str("task", name).Msg("could not settle task status after upload")
			}
		}
	}

	result, err := mic.ProcessTimelapseOffline(c.Context(), proxyOfflineRequest(req))
	if err != nil {
		finish(model.StatusError)
		d.log.Error().Err(err).Str("microscope", micID).
			Str("experiment", req.ExperimentID).Msg("offline timelapse failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	finish(model.StatusCompleted)

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(result)
}
