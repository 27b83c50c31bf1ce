package httpapi

import (
	"fmt"
	"net/http"
	"time"

	logx "alarmaway/pkg/logx"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs one line per request with a colored status code.
func requestLogger(log logx.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			entry := log.With(logx.String("request_id", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			t1 := time.Now()
			defer func() {
				scheme := "http"
				if r.TLS != nil {
					scheme = "https"
				}
				msg := fmt.Sprintf("%s %s://%s%s - %s", r.Method, scheme, r.Host, r.RequestURI, statusColor(ww.Status()))
				fields := []logx.Field{
					logx.Int("bytes", ww.BytesWritten()),
					logx.Duration("duration", time.Since(t1)),
				}
				if ww.Status() >= 500 {
					entry.Warn(msg, fields...)
					return
				}
				entry.Info(msg, fields...)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

func statusColor(status int) string {
	var c *color.Color
	switch {
	case status < 200:
		c = color.New(color.FgBlue)
	case status < 300:
		c = color.New(color.FgGreen)
	case status < 400:
		c = color.New(color.FgCyan)
	case status < 500:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgRed)
	}
	return c.Sprintf("%03d", status)
}
