// internal/transport/http/handlers.go
package http

import (
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"dbsync-service/internal/store"
	"dbsync-service/internal/syncer"
	"dbsync-service/pkg/models"
)

type Handler struct {
	orch *syncer.Orchestrator
}

func NewHandler(orch *syncer.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// TriggerSync starts one run. A run already in flight answers 409; runs never
// queue behind each other.
func (h *Handler) TriggerSync(c *fiber.Ctx) error {
	direction, err := models.ParseDirection(c.Query("direction"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	log.Printf("📥 [SYNC REQUEST] From: %s | Direction: %s", c.IP(), direction)

	stats, err := h.orch.Synchronize(c.Context(), direction)
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		log.Printf("❌ Synchronize failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
			"stats": stats,
		})
	}
	return c.JSON(stats)
}

// GetStats returns the stats of the last run, live while a run is going.
func (h *Handler) GetStats(c *fiber.Ctx) error {
	stats := h.orch.LastStats()
	if stats == nil {
		return c.JSON(fiber.Map{"state": models.RunIdle})
	}
	return c.JSON(stats)
}

func (h *Handler) GetConflicts(c *fiber.Ctx) error {
	conflicts, err := h.orch.PendingConflicts(c.Context())
	if err != nil {
		log.Printf("❌ Listing conflicts failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list conflicts"})
	}
	return c.JSON(fiber.Map{"conflicts": conflicts, "count": len(conflicts)})
}

type resolveRequest struct {
	ResolvedData *models.Row `json:"resolved_data"`
	ResolvedBy   string      `json:"resolved_by"`
}

// ResolveConflict closes one MANUAL conflict with the operator's row.
func (h *Handler) ResolveConflict(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid conflict id"})
	}

	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.ResolvedData == nil || req.ResolvedData.Len() == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "resolved_data required"})
	}
	if req.ResolvedBy == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "resolved_by required"})
	}

	err = h.orch.ResolveConflict(c.Context(), uint(id), req.ResolvedData, req.ResolvedBy)
	switch {
	case errors.Is(err, store.ErrConflictNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		log.Printf("❌ ResolveConflict #%d failed: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"status":  "resolved",
		"id":      id,
		"message": "Conflict resolved and written to both endpoints",
	})
}

// GetLog returns the newest audit entries, optionally filtered by table.
func (h *Handler) GetLog(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	entries, err := h.orch.RecentLog(c.Context(), c.Query("table"), limit)
	if err != nil {
		log.Printf("❌ Reading sync log failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read sync log"})
	}
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

// VerifyTables reports, per endpoint, which control and enrolled tables exist.
func (h *Handler) VerifyTables(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tables": h.orch.VerifyTablesExist()})
}

func (h *Handler) GetTables(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tables": h.orch.Tables()})
}

func (h *Handler) StartAutoSync(c *fiber.Ctx) error {
	seconds, _ := strconv.Atoi(c.Query("interval_seconds", "300"))
	if err := h.orch.StartAutoSync(time.Duration(seconds) * time.Second); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "started", "interval_seconds": seconds})
}

func (h *Handler) StopAutoSync(c *fiber.Ctx) error {
	h.orch.StopAutoSync()
	return c.JSON(fiber.Map{"status": "stopped"})
}
