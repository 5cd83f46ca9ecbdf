package handlers

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/forecast"
	httpctx "deliveryinsight/internal/http/ctx"
	"deliveryinsight/internal/metrics"
	"deliveryinsight/internal/settings"
)

const defaultWindowDays = 30

// SettingsLoader supplies the configuration snapshot for one request.
type SettingsLoader interface {
	Load(ctx context.Context) (settings.Settings, error)
}

// QueueDepth reports the queue's backlog.
type QueueDepth interface {
	CountPending(ctx context.Context) (int64, error)
	CountDeadLettered(ctx context.Context) (int64, error)
}

// Reads serves the metric read API.
type Reads struct {
	Metrics   *metrics.Engine
	Forecasts *forecast.Engine
	Settings  SettingsLoader
	Queue     QueueDepth
	Log       *zap.Logger
}

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(log *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			fields := []zap.Field{
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.Int("status", ctx.Response.StatusCode()),
				zap.Duration("duration", time.Since(start)),
				zap.String("ip", ctx.RemoteIP().String()),
			}
			if ak, ok := httpctx.APIKeyFromCtx(ctx); ok && ak != nil {
				fields = append(fields, zap.String("api_key", ak.Name))
			}
			log.Info("request", fields...)
		}
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, data any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(data)
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetBodyString(msg)
}

// parseWindow reads "window_days" from the query, defaulting to 30.
func parseWindow(ctx *fasthttp.RequestCtx) (int, bool) {
	v := string(ctx.QueryArgs().Peek("window_days"))
	if v == "" {
		return defaultWindowDays, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		errResponse(ctx, fasthttp.StatusBadRequest, "window_days must be a positive integer")
		return 0, false
	}
	return n, true
}

// parseStreamID reads "stream_id" from the query. When required is false
// an absent id yields nil.
func parseStreamID(ctx *fasthttp.RequestCtx, required bool) (*uint, bool) {
	v := string(ctx.QueryArgs().Peek("stream_id"))
	if v == "" {
		if required {
			errResponse(ctx, fasthttp.StatusBadRequest, "stream_id is required")
			return nil, false
		}
		return nil, true
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid stream_id")
		return nil, false
	}
	id := uint(n)
	return &id, true
}

func (r *Reads) settings(ctx *fasthttp.RequestCtx) (settings.Settings, bool) {
	st, err := r.Settings.Load(ctx)
	if err != nil {
		r.Log.Error("load settings", zap.Error(err))
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to load settings")
		return st, false
	}
	return st, true
}

func (r *Reads) respond(ctx *fasthttp.RequestCtx, what string, v any, err error) {
	if err != nil {
		r.Log.Error("read failed", zap.String("metric", what), zap.Error(err))
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to compute "+what)
		return
	}
	jsonResponse(ctx, v)
}

// windowed adapts a scoped, windowed accessor to a handler.
func windowed[T any](r *Reads, what string, fn func(context.Context, metrics.Scope, int) (T, error)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := parseStreamID(ctx, false)
		if !ok {
			return
		}
		window, ok := parseWindow(ctx)
		if !ok {
			return
		}
		res, err := fn(ctx, metrics.Scope{StreamID: id}, window)
		r.respond(ctx, what, res, err)
	}
}

func (r *Reads) CycleTime() fasthttp.RequestHandler {
	return windowed(r, "cycle time", r.Metrics.CycleTime)
}

func (r *Reads) FlowEfficiency() fasthttp.RequestHandler {
	return windowed(r, "flow efficiency", r.Metrics.FlowEfficiency)
}

func (r *Reads) DORA() fasthttp.RequestHandler {
	return windowed(r, "dora", r.Metrics.DORA)
}

func (r *Reads) DefectEscape() fasthttp.RequestHandler {
	return windowed(r, "defect escape", r.Metrics.DefectEscape)
}

func (r *Reads) PRReviewHealth() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		st, ok := r.settings(ctx)
		if !ok {
			return
		}
		windowed(r, "pr review health", func(c context.Context, scope metrics.Scope, window int) (metrics.PRReviewResult, error) {
			return r.Metrics.PRReviewHealth(c, scope, window, st)
		})(ctx)
	}
}

func (r *Reads) CrossStream() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := parseStreamID(ctx, false)
		if !ok {
			return
		}
		st, ok := r.settings(ctx)
		if !ok {
			return
		}
		res, err := r.Metrics.CrossStream(ctx, metrics.Scope{StreamID: id}, st)
		r.respond(ctx, "cross stream", map[string]any{"streams": res}, err)
	}
}

func (r *Reads) SprintConfidence() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := parseStreamID(ctx, true)
		if !ok {
			return
		}
		st, ok := r.settings(ctx)
		if !ok {
			return
		}
		res, err := r.Metrics.SprintConfidence(ctx, *id, st)
		r.respond(ctx, "sprint confidence", res, err)
	}
}

func (r *Reads) Forecast() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := parseStreamID(ctx, true)
		if !ok {
			return
		}
		st, ok := r.settings(ctx)
		if !ok {
			return
		}
		res, err := r.Forecasts.Compute(ctx, *id, st)
		r.respond(ctx, "forecast", res, err)
	}
}

func (r *Reads) Trend() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		streamType := string(ctx.QueryArgs().Peek("stream_type"))
		if streamType != db.StreamTypeDelivery && streamType != db.StreamTypeTech {
			errResponse(ctx, fasthttp.StatusBadRequest, "stream_type must be delivery or tech")
			return
		}
		metric := string(ctx.QueryArgs().Peek("metric"))
		if metric == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "metric is required")
			return
		}
		id, ok := parseStreamID(ctx, true)
		if !ok {
			return
		}
		window, ok := parseWindow(ctx)
		if !ok {
			return
		}
		points, err := r.Metrics.Trend(ctx, streamType, *id, metric, window)
		r.respond(ctx, "trend", map[string]any{"metric": metric, "points": points}, err)
	}
}

func (r *Reads) QueueDepth() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		pending, err := r.Queue.CountPending(ctx)
		if err != nil {
			r.respond(ctx, "queue depth", nil, err)
			return
		}
		dead, err := r.Queue.CountDeadLettered(ctx)
		r.respond(ctx, "queue depth", map[string]int64{"pending": pending, "dead_lettered": dead}, err)
	}
}
