package handler

import (
	"net/http"

	"procurebot/internal/middleware"
	"procurebot/internal/model"
	"procurebot/internal/service"
	"procurebot/pkg/pagination"
	"procurebot/pkg/response"

	"github.com/gin-gonic/gin"
)

type InventoryHandler struct {
	inventoryService service.InventoryService
	auth             *middleware.Auth
}

func NewInventoryHandler(inventoryService service.InventoryService, auth *middleware.Auth) *InventoryHandler {
	return &InventoryHandler{inventoryService: inventoryService, auth: auth}
}

func (h *InventoryHandler) RegisterRoutes(router *gin.RouterGroup) {
	inventory := router.Group("/api")
	read := h.auth.RequireRole(model.RoleAdmin, model.RoleSupervisor, model.RoleReceiver, model.RoleFinalizer, model.RoleDispatcher)
	{
		inventory.GET("/products", read, h.GetProducts)
		inventory.POST("/products", h.auth.RequireRole(model.RoleAdmin, model.RoleSupervisor), h.CreateProduct)
		inventory.GET("/stock", read, h.GetStockEntries)
	}
}

// GetProducts handles retrieving the paginated product catalog
// @Summary      Get products
// @Description  Retrieves a paginated list of catalog products with current stock
// @Tags         inventory
// @Security     BearerAuth
// @Produce      json
// @Param        page    query     int     false  "Page number (default 1)"
// @Param        limit   query     int     false  "Number of items per page (default 20)"
// @Param        search  query     string  false  "Search by product name"
// @Success      200    {object}  response.Response{data=[]service.ProductResponse}
// @Failure      500    {object}  response.Response
// @Router       /api/products [get]
func (h *InventoryHandler) GetProducts(c *gin.Context) {
	p := pagination.Parse(c)

	products, total, err := h.inventoryService.GetProducts(c.Request.Context(), p.Page, p.Limit, c.Query("search"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Page(http.StatusOK, products, p.Meta(total)))
}

// CreateProduct adds a catalog product that requests can be linked to
// @Summary      Create product
// @Tags         inventory
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateProductRequest  true  "Create Product Payload"
// @Success      201      {object}  response.Response{data=service.ProductResponse}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/products [post]
func (h *InventoryHandler) CreateProduct(c *gin.Context) {
	var req service.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	userID, _ := c.Get(middleware.KeyUserID)
	uid, _ := userID.(string)
	product, err := h.inventoryService.CreateProduct(c.Request.Context(), uid, req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, product))
}

// GetStockEntries lists the warehouse entries of fulfilled requests
// @Summary      Get stock entries
// @Tags         inventory
// @Security     BearerAuth
// @Produce      json
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=[]model.StockEntry}
// @Router       /api/stock [get]
func (h *InventoryHandler) GetStockEntries(c *gin.Context) {
	p := pagination.Parse(c)

	entries, total, err := h.inventoryService.GetStockEntries(c.Request.Context(), p.Page, p.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Page(http.StatusOK, entries, p.Meta(total)))
}
