package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
)

// QueueInspector reads job queue counters.
type QueueInspector interface {
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
	GetDelayedSize(ctx context.Context) (int64, error)
}

// AdminQueueController exposes the deferred job backlog to operators.
type AdminQueueController struct {
	queue QueueInspector
}

func NewAdminQueueController(queue QueueInspector) *AdminQueueController {
	return &AdminQueueController{queue: queue}
}

// HandleAdminQueues returns pending, processing and delayed job counts
// together with the lifetime status counters.
func (aqc *AdminQueueController) HandleAdminQueues(c *fiber.Ctx) error {
	ctx := c.UserContext()
	stats, err := aqc.queue.GetJobStats(ctx)
	if err != nil {
		return respondError(c, err)
	}
	pending, err := aqc.queue.GetQueueSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	processing, err := aqc.queue.GetProcessingSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	delayed, err := aqc.queue.GetDelayedSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"pending":    pending,
		"processing": processing,
		"delayed":    delayed,
		"stats":      stats,
	})
}
