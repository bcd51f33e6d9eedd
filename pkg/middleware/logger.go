package middleware

import (
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sastafford/crossy/pkg/context"
	"github.com/sastafford/crossy/pkg/tracing"
)

func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}

			stop := time.Now()

			reqCtx := c.Request().Context()
			id := context.GetRequestID(reqCtx)
			if id == "" {
				id = req.Header.Get(echo.HeaderXRequestID)
				if id == "" {
					id = uuid.New().String()
				}
			}

			logger.WithContext(reqCtx).WithFields(map[string]interface{}{
				"request_id":    id,
				"trace_id":      tracing.GetTraceID(reqCtx),
				"span_id":       tracing.GetSpanID(reqCtx),
				"method":        context.GetMethod(reqCtx),
				"uri":           req.RequestURI,
				"status":        res.Status,
				"referer":       context.GetReferer(reqCtx),
				"route":         context.GetRoute(reqCtx),
				"remote_ip":     context.GetRemoteIP(reqCtx),
				"collection":    context.GetCollection(reqCtx),
				"protocol":      req.Proto,
				"host":          req.Host,
				"user_agent":    req.UserAgent(),
				"start_time":    start,
				"stop_time":     stop,
				"response_time": stop.Sub(start),
				"request_size":  req.Header.Get(echo.HeaderContentLength),
				"response_size": strconv.FormatInt(res.Size, 10),
			}).Info("Request")

			return nil
		}
	}
}
