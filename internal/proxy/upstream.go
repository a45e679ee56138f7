package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/cache"
	"github.com/furnace-control/offline-hub/internal/logging"
	"github.com/furnace-control/offline-hub/internal/server"
	"github.com/furnace-control/offline-hub/internal/strategy"
)

// exchange 保存单个请求在各阶段共享的信息。
type exchange struct {
	requestID string
	method    string
	path      string
	target    string
	key       *cache.Key
	kind      strategy.Kind
	meta      strategy.Metadata
	partition string
	started   time.Time
}

// upstreamResult 是完整读入内存的上游响应，控制器接口的响应体都很小。
type upstreamResult struct {
	status int
	header http.Header
	body   []byte
}

func (d *Dispatcher) newExchange(c fiber.Ctx) *exchange {
	ex := &exchange{
		requestID: server.RequestID(c),
		method:    c.Method(),
		path:      requestPath(c),
		target:    c.OriginalURL(),
		started:   time.Now(),
	}
	if key, err := cache.NewKey(ex.method, ex.target); err == nil {
		ex.key = &key
	}
	return ex
}

func (ex *exchange) strategyLabel() string {
	if ex.kind == "" {
		return uncontrolled
	}
	return string(ex.kind)
}

func (ex *exchange) fields() logrus.Fields {
	fields := logging.RequestFields(ex.strategyLabel(), ex.partition, ex.method, ex.path, false)
	fields["action"] = "proxy"
	if ex.requestID != "" {
		fields["request_id"] = ex.requestID
	}
	return fields
}

func (ex *exchange) log(d *Dispatcher, status int, cacheHit bool, err error, event string) {
	fields := logging.RequestFields(ex.strategyLabel(), ex.partition, ex.method, ex.path, cacheHit)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(ex.started).Milliseconds()
	if ex.requestID != "" {
		fields["request_id"] = ex.requestID
	}
	entry := d.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	switch event {
	case "proxy_complete":
		entry.Info(event)
	case "proxy_failed", "strategy_panic":
		entry.Error(event)
	default:
		entry.Warn(event)
	}
}

// fetch 把当前请求转发到上游并读完响应体；任何网络层错误都视为不可达。
func (d *Dispatcher) fetch(c fiber.Ctx, ex *exchange) (*upstreamResult, error) {
	ctx := requestContext(c)

	var body io.Reader = http.NoBody
	if ex.method != http.MethodGet && ex.method != http.MethodHead {
		if raw := c.Body(); len(raw) > 0 {
			body = bytes.NewReader(append([]byte(nil), raw...))
		}
	}

	req, err := http.NewRequestWithContext(ctx, ex.method, d.upstream+ex.target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())

	resp, err := d.client.Do(req)
	if err != nil {
		d.report(ctx, false)
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		d.report(ctx, false)
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	d.report(ctx, true)

	return &upstreamResult{
		status: resp.StatusCode,
		header: server.FilterHeaders(resp.Header),
		body:   payload,
	}, nil
}

// report 在客户端主动断开时不更新可达状态。
func (d *Dispatcher) report(ctx context.Context, ok bool) {
	if d.reach == nil || ctx.Err() != nil {
		return
	}
	d.reach.ReportReachable(ok)
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func requestPath(c fiber.Ctx) string {
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}
