// Package routes 注册 /-/ 前缀下的控制与诊断接口，这些路径不会被离线层拦截。
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/cache"
	"github.com/furnace-control/offline-hub/internal/lifecycle"
	"github.com/furnace-control/offline-hub/internal/logging"
	"github.com/furnace-control/offline-hub/internal/queue"
	"github.com/furnace-control/offline-hub/internal/server"
	"github.com/furnace-control/offline-hub/internal/syncer"
)

// Worker 是控制通道需要的生命周期能力，由 *lifecycle.Worker 实现。
type Worker interface {
	State() lifecycle.State
	Controlling() bool
	Stale() bool
	Generation() string
	HandleMessage(ctx context.Context, msg lifecycle.Message) (lifecycle.Reply, error)
}

// SyncRegistry 接收页面登记的一次性同步标签，由 *syncer.Monitor 实现。
type SyncRegistry interface {
	Register(tag string)
	Online() bool
	PendingTags() []string
}

// PeriodicTrigger 立即执行一次周期同步，由 *syncer.Scheduler 实现。
type PeriodicTrigger interface {
	Trigger() bool
}

// WorkerDeps 汇总 /-/worker 与 /-/sync 接口的依赖，Periodic 与 Logger 可为空。
type WorkerDeps struct {
	Worker      Worker
	Store       cache.Store
	Queue       queue.Queue
	Sync        SyncRegistry
	Notifier    syncer.Notifier
	Periodic    PeriodicTrigger
	PeriodicTag string
	Logger      *logrus.Logger
}

type statusPayload struct {
	State         lifecycle.State       `json:"state"`
	Generation    string                `json:"generation"`
	Controlling   bool                  `json:"controlling"`
	Stale         bool                  `json:"stale"`
	Partitions    []string              `json:"partitions"`
	QueueLength   int                   `json:"queue_length"`
	Online        bool                  `json:"online"`
	PendingTags   []string              `json:"pending_tags"`
	Notifications []syncer.Notification `json:"notifications,omitempty"`
}

type recentNotifier interface {
	Recent() []syncer.Notification
}

// RegisterWorkerRoutes 暴露 worker 状态、控制消息、推送、通知点击与同步登记接口。
func RegisterWorkerRoutes(app *fiber.App, deps WorkerDeps) {
	if app == nil || deps.Worker == nil {
		return
	}
	logger := logging.Component(deps.Logger, "routes")

	app.Get("/-/worker/status", func(c fiber.Ctx) error {
		ctx := c.Context()
		payload := statusPayload{
			State:       deps.Worker.State(),
			Generation:  deps.Worker.Generation(),
			Controlling: deps.Worker.Controlling(),
			Stale:       deps.Worker.Stale(),
			Online:      true,
			PendingTags: []string{},
		}
		if deps.Store != nil {
			names, err := deps.Store.Partitions(ctx)
			if err != nil {
				return writeError(c, fiber.StatusInternalServerError, "partitions_unavailable")
			}
			payload.Partitions = names
		}
		if deps.Queue != nil {
			n, err := deps.Queue.Len(ctx)
			if err != nil {
				return writeError(c, fiber.StatusInternalServerError, "queue_unavailable")
			}
			payload.QueueLength = n
		}
		if deps.Sync != nil {
			payload.Online = deps.Sync.Online()
			payload.PendingTags = deps.Sync.PendingTags()
		}
		if recent, ok := deps.Notifier.(recentNotifier); ok {
			payload.Notifications = recent.Recent()
		}
		return c.JSON(payload)
	})

	app.Post("/-/worker/message", func(c fiber.Ctx) error {
		var msg lifecycle.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return writeError(c, fiber.StatusBadRequest, "invalid_message")
		}
		reply, err := deps.Worker.HandleMessage(c.Context(), msg)
		if err != nil {
			status, code := messageError(err)
			if status >= fiber.StatusInternalServerError {
				logger.WithFields(logrus.Fields{
					"action":     "message",
					"type":       msg.Type,
					"request_id": server.RequestID(c),
				}).WithError(err).Error("worker_message_failed")
			}
			return writeError(c, status, code)
		}
		return c.JSON(reply)
	})

	app.Post("/-/worker/push", func(c fiber.Ctx) error {
		if deps.Notifier == nil {
			return writeError(c, fiber.StatusServiceUnavailable, "notifier_unavailable")
		}
		note := syncer.PushNotification(string(c.Body()))
		if err := deps.Notifier.Deliver(c.Context(), note); err != nil {
			logger.WithField("action", "push").WithError(err).Warn("push_delivery_failed")
			return writeError(c, fiber.StatusBadGateway, "delivery_failed")
		}
		return c.Status(fiber.StatusAccepted).JSON(note)
	})

	app.Post("/-/worker/notification-click", func(c fiber.Ctx) error {
		var req struct {
			Action string `json:"action"`
		}
		if body := c.Body(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return writeError(c, fiber.StatusBadRequest, "invalid_payload")
			}
		}
		target, open := syncer.ClickTarget(req.Action)
		return c.JSON(fiber.Map{
			"action": req.Action,
			"open":   open,
			"url":    target,
		})
	})

	app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if tag == "" {
			return writeError(c, fiber.StatusBadRequest, "tag_required")
		}
		if deps.PeriodicTag != "" && tag == deps.PeriodicTag {
			if deps.Periodic == nil {
				return writeError(c, fiber.StatusServiceUnavailable, "periodic_sync_disabled")
			}
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"tag":     tag,
				"started": deps.Periodic.Trigger(),
			})
		}
		if deps.Sync == nil {
			return writeError(c, fiber.StatusServiceUnavailable, "sync_unavailable")
		}
		deps.Sync.Register(tag)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"tag":    tag,
			"online": deps.Sync.Online(),
		})
	})
}

// messageError 把消息处理错误映射为 HTTP 状态与错误码。
func messageError(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownMessage):
		return fiber.StatusBadRequest, "unknown_message_type"
	case errors.Is(err, lifecycle.ErrInvalidMessage),
		errors.Is(err, cache.ErrNotCacheable),
		errors.Is(err, cache.ErrInvalidKey),
		errors.Is(err, queue.ErrInvalidMutation):
		return fiber.StatusBadRequest, "invalid_message"
	case errors.Is(err, lifecycle.ErrInvalidState):
		return fiber.StatusConflict, "invalid_state"
	default:
		return fiber.StatusInternalServerError, "message_failed"
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
