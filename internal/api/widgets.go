package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/middleware"
	"github.com/persistorai/dashsync/internal/models"
)

// WidgetHandler serves widget CRUD and version-guarded write endpoints.
type WidgetHandler struct {
	repo WidgetRepository
	log  *logrus.Logger
}

// NewWidgetHandler creates a WidgetHandler with the given service and logger.
func NewWidgetHandler(repo WidgetRepository, log *logrus.Logger) *WidgetHandler {
	return &WidgetHandler{repo: repo, log: log}
}

// List handles GET /api/v1/dashboards/:dashboard_id/widgets.
func (h *WidgetHandler) List(c *gin.Context) {
	dashboardID := c.Param("dashboard_id")
	if err := models.ValidateDashboardID(dashboardID); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())

		return
	}

	widgets, err := h.repo.ListWidgets(c.Request.Context(), dashboardID)
	if err != nil {
		middleware.Logger(c, h.log).WithError(err).Error("listing widgets")
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")

		return
	}

	if widgets == nil {
		widgets = []models.Widget{}
	}

	c.JSON(http.StatusOK, gin.H{"widgets": widgets})
}

// Get handles GET /api/v1/widgets/:id.
func (h *WidgetHandler) Get(c *gin.Context) {
	id, ok := widgetID(c)
	if !ok {
		return
	}

	w, err := h.repo.GetWidget(c.Request.Context(), id)
	if err != nil {
		h.respondWriteError(c, err, "getting widget")

		return
	}

	c.JSON(http.StatusOK, w)
}

// Create handles POST /api/v1/dashboards/:dashboard_id/widgets. The body is
// optional; omitted fields take the creation defaults.
func (h *WidgetHandler) Create(c *gin.Context) {
	var req models.CreateWidgetRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBindError(c, err)

		return
	}

	req.DashboardID = c.Param("dashboard_id")

	if err := req.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, err.Error())

		return
	}

	w, err := h.repo.CreateWidget(c.Request.Context(), req)
	if err != nil {
		middleware.Logger(c, h.log).WithError(err).Error("creating widget")
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")

		return
	}

	middleware.Logger(c, h.log).WithFields(logrus.Fields{"action": "widget.create", "dashboard_id": w.DashboardID, "widget_id": w.ID}).Info("audit")

	c.JSON(http.StatusCreated, w)
}

// UpdateContent handles PUT /api/v1/widgets/:id/content.
func (h *WidgetHandler) UpdateContent(c *gin.Context) {
	id, ok := widgetID(c)
	if !ok {
		return
	}

	var req models.UpdateContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)

		return
	}

	if err := req.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, err.Error())

		return
	}

	w, err := h.repo.UpdateWidgetContent(c.Request.Context(), id, req.Content, *req.ExpectedVersion)
	if err != nil {
		h.respondWriteError(c, err, "updating widget content")

		return
	}

	middleware.Logger(c, h.log).WithFields(logrus.Fields{"action": "widget.update_content", "widget_id": id, "version": w.Version}).Info("audit")

	c.JSON(http.StatusOK, w)
}

// UpdatePosition handles PUT /api/v1/widgets/:id/position.
func (h *WidgetHandler) UpdatePosition(c *gin.Context) {
	id, ok := widgetID(c)
	if !ok {
		return
	}

	var req models.UpdatePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)

		return
	}

	if err := req.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, err.Error())

		return
	}

	w, err := h.repo.UpdateWidgetPosition(c.Request.Context(), id, *req.Position, *req.ExpectedVersion)
	if err != nil {
		h.respondWriteError(c, err, "updating widget position")

		return
	}

	middleware.Logger(c, h.log).WithFields(logrus.Fields{"action": "widget.update_position", "widget_id": id, "version": w.Version}).Info("audit")

	c.JSON(http.StatusOK, w)
}

// Delete handles DELETE /api/v1/widgets/:id. Deleting a missing widget is
// not an error; the response lists whatever rows were removed.
func (h *WidgetHandler) Delete(c *gin.Context) {
	id, ok := widgetID(c)
	if !ok {
		return
	}

	deleted, err := h.repo.DeleteWidget(c.Request.Context(), id)
	if err != nil {
		middleware.Logger(c, h.log).WithError(err).Error("deleting widget")
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")

		return
	}

	if deleted == nil {
		deleted = []models.Widget{}
	}

	middleware.Logger(c, h.log).WithFields(logrus.Fields{"action": "widget.delete", "widget_id": id, "count": len(deleted)}).Info("audit")

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *WidgetHandler) respondWriteError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, models.ErrWidgetNotFound):
		respondError(c, http.StatusNotFound, ErrCodeNotFound, "widget not found")
	case errors.Is(err, models.ErrVersionConflict):
		respondError(c, http.StatusConflict, ErrCodeVersionConflict, "widget was modified by someone else")
	default:
		middleware.Logger(c, h.log).WithError(err).Error(op)
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	}
}
