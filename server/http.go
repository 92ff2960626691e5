package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/recall"
)

// defaultK is used by the candidates route when no k is given.
const defaultK = 10

type httpAPI struct {
	svc *recall.Service
}

// NewHTTPHandler returns the echo application serving the JSON API:
//
//	GET  /healthz
//	GET  /metrics
//	POST /metrics/reset
//	POST /v1/items
//	GET  /v1/users/:id/candidates?k=N
func NewHTTPHandler(svc *recall.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("http request")
			return nil
		},
	}))

	api := &httpAPI{svc: svc}
	e.GET("/healthz", api.healthz)
	e.GET("/metrics", api.metrics)
	e.POST("/metrics/reset", api.resetMetrics)

	v1 := e.Group("/v1")
	v1.POST("/items", api.addItem)
	v1.GET("/users/:id/candidates", api.candidates)
	return e
}

func (a *httpAPI) healthz(c echo.Context) error {
	if !a.svc.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a *httpAPI) metrics(c echo.Context) error {
	report, err := a.svc.GetMetrics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, []byte(report))
}

func (a *httpAPI) resetMetrics(c echo.Context) error {
	if err := a.svc.ResetMetrics(c.Request().Context()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *httpAPI) addItem(c echo.Context) error {
	var in Item
	if err := c.Bind(&in); err != nil {
		return core.E(core.KindInvalidArgument, "http.addItem", err, "decode body")
	}
	if err := a.svc.AddItem(c.Request().Context(), in.ItemID, in.ItemVector); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (a *httpAPI) candidates(c echo.Context) error {
	const op = "http.candidates"
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return core.E(core.KindInvalidArgument, op, err, "user id %q", c.Param("id"))
	}
	k := defaultK
	if raw := c.QueryParam("k"); raw != "" {
		if k, err = strconv.Atoi(raw); err != nil {
			return core.E(core.KindInvalidArgument, op, err, "k %q", raw)
		}
	}
	res, err := a.svc.SearchCandidates(c.Request().Context(), userID, k)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Candidates{Candidate: res.Items, Scores: res.Scores})
}

// httpErrorHandler renders core errors as {kind, message} with a status
// derived from the kind. Echo's own errors (404 route, 405) keep their code.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	body := errorBody{Kind: core.KindUnknown.String(), Message: err.Error()}
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		}
	} else {
		kind := core.KindOf(err)
		code = httpStatusOf(kind)
		body.Kind = kind.String()
	}
	if code >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("uri", c.Request().RequestURI).Msg("request failed")
	}
	if err := c.JSON(code, body); err != nil {
		log.Error().Err(err).Msg("write error response")
	}
}

// readHeaderTimeout bounds slow clients on the HTTP listener.
const readHeaderTimeout = 5 * time.Second
