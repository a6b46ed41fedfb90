package requests

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/models"
)

// Handler exposes the request lifecycle over the agent's local HTTP server.
type Handler struct {
	index *Index
}

// NewHandler creates a request handler for the given index.
func NewHandler(index *Index) *Handler {
	return &Handler{index: index}
}

// RegisterRoutes registers the request endpoints.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/requests")
	g.POST("", h.Create)
	g.GET("/:cellId/:requestId", h.Get)
	g.POST("/:cellId/:requestId/assign", h.Assign)
	g.POST("/:cellId/:requestId/complete", h.Complete)
	g.POST("/:cellId/:requestId/cancel", h.Cancel)
}

type createRequestBody struct {
	Pickup  models.GeoPoint  `json:"pickup"`
	Dropoff *models.GeoPoint `json:"dropoff,omitempty"`
}

// Create opens a new ride request at the given pickup point.
func (h *Handler) Create(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	record, err := h.index.CreateRequest(c.Request().Context(), body.Pickup, body.Dropoff)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, record)
}

// Get reads one request document.
func (h *Handler) Get(c echo.Context) error {
	record, err := h.index.Get(c.Request().Context(), c.Param("cellId"), c.Param("requestId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, record)
}

// Assign claims an open request for this agent.
func (h *Handler) Assign(c echo.Context) error {
	record, err := h.index.Assign(c.Request().Context(), c.Param("cellId"), c.Param("requestId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, record)
}

// Complete confirms pickup on an assigned request.
func (h *Handler) Complete(c echo.Context) error {
	record, err := h.index.Complete(c.Request().Context(), c.Param("cellId"), c.Param("requestId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, record)
}

// Cancel moves a request to cancelled.
func (h *Handler) Cancel(c echo.Context) error {
	record, err := h.index.Cancel(c.Request().Context(), c.Param("cellId"), c.Param("requestId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, record)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	case errors.Is(err, ErrRequestTaken):
		return echo.NewHTTPError(http.StatusConflict, "request is no longer open")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, "transition not permitted")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
