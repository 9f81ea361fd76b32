package handler

import (
	"net/http"
	"strings"

	"procurebot/internal/middleware"
	"procurebot/internal/model"
	"procurebot/internal/repository"
	"procurebot/internal/service"
	"procurebot/pkg/pagination"
	"procurebot/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestHandler is the read side of the request lifecycle. Every write goes
// through the chat flows.
type RequestHandler struct {
	requests  service.RequestService
	inventory service.InventoryService
	auth      *middleware.Auth
}

func NewRequestHandler(requests service.RequestService, inventory service.InventoryService, auth *middleware.Auth) *RequestHandler {
	return &RequestHandler{requests: requests, inventory: inventory, auth: auth}
}

func (h *RequestHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/api/requests")
	group.Use(h.auth.RequireRole(model.RoleAdmin, model.RoleSupervisor, model.RoleDispatcher, model.RoleFinalizer))
	{
		group.GET("", h.ListRequests)
		group.GET("/:id", h.GetRequest)
		group.GET("/:id/stock", h.GetRequestStock)
	}
}

// ListRequests lists requests, newest first
// @Summary      List requests
// @Description  Retrieves a paginated list of procurement requests
// @Tags         requests
// @Security     BearerAuth
// @Produce      json
// @Param        status        query     string  false  "Comma separated statuses"
// @Param        requested_by  query     string  false  "Requester ID"
// @Param        driver_id     query     string  false  "Assigned driver ID"
// @Param        page          query     int     false  "Page number (default 1)"
// @Param        limit         query     int     false  "Number of items per page (default 20)"
// @Success      200           {object}  response.Response{data=[]model.ProcurementRequest}
// @Failure      400           {object}  response.Response
// @Router       /api/requests [get]
func (h *RequestHandler) ListRequests(c *gin.Context) {
	p := pagination.Parse(c)
	f := repository.RequestFilter{Page: p.Page, Limit: p.Limit}

	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, strings.ToUpper(strings.TrimSpace(s)))
		}
	}
	var ok bool
	if f.RequestedBy, ok = optionalUUID(c, "requested_by"); !ok {
		return
	}
	if f.DriverID, ok = optionalUUID(c, "driver_id"); !ok {
		return
	}
	f.OrgID = orgOf(c)

	list, total, err := h.requests.List(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Page(http.StatusOK, list, p.Meta(total)))
}

// GetRequest returns one request with every stage it reached
// @Summary      Get request
// @Tags         requests
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=model.ProcurementRequest}
// @Failure      404  {object}  response.Response
// @Router       /api/requests/{id} [get]
func (h *RequestHandler) GetRequest(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request id"))
		return
	}
	req, err := h.requests.GetFor(c.Request.Context(), service.Actor{OrgID: orgOf(c)}, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, req))
}

// GetRequestStock returns the stock entry a fulfilled request produced
// @Summary      Get stock entry of a request
// @Tags         requests
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=model.StockEntry}
// @Failure      404  {object}  response.Response
// @Router       /api/requests/{id}/stock [get]
func (h *RequestHandler) GetRequestStock(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request id"))
		return
	}
	if _, err := h.requests.GetFor(c.Request.Context(), service.Actor{OrgID: orgOf(c)}, id); err != nil {
		fail(c, err)
		return
	}
	entry, err := h.inventory.GetStockEntryForRequest(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, entry))
}

// orgOf returns the organization claim of the caller's token
func orgOf(c *gin.Context) *uuid.UUID {
	org, exists := c.Get(middleware.KeyOrgID)
	if !exists {
		return nil
	}
	raw, _ := org.(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func optionalUUID(c *gin.Context, key string) (*uuid.UUID, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid "+key))
		return nil, false
	}
	return &id, true
}
