package proxy

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v3"
)

// writeResponse 输出上游或缓存中的响应，并附带策略与命中头。
func (d *Dispatcher) writeResponse(c fiber.Ctx, ex *exchange, status int, header http.Header, body []byte, cacheHit bool) error {
	for key, values := range header {
		if key == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	d.setMeta(c, ex, cacheHit)
	c.Status(status)
	if ex.method == http.MethodHead {
		return nil
	}
	return c.Send(body)
}

func (d *Dispatcher) writeOfflineJSON(c fiber.Ctx, ex *exchange) error {
	d.setMeta(c, ex, false)
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error":   offlineAPIMessage,
		"offline": true,
	})
}

func (d *Dispatcher) writeOfflineText(c fiber.Ctx, ex *exchange) error {
	d.setMeta(c, ex, false)
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(fiber.StatusServiceUnavailable).SendString("Offline")
}

func (d *Dispatcher) writeError(c fiber.Ctx, ex *exchange, status int, code string) error {
	d.setMeta(c, ex, false)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (d *Dispatcher) setMeta(c fiber.Ctx, ex *exchange, cacheHit bool) {
	c.Set(HeaderStrategy, ex.strategyLabel())
	c.Set(HeaderCacheHit, strconv.FormatBool(cacheHit))
	if ex.requestID != "" {
		c.Set("X-Request-ID", ex.requestID)
	}
}
