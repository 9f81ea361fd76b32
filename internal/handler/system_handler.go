package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe reports whether a dependency is usable
type Probe func() error

// SystemHandler serves health and metrics
type SystemHandler struct {
	probes map[string]Probe
}

func NewSystemHandler(probes map[string]Probe) *SystemHandler {
	return &SystemHandler{probes: probes}
}

func (h *SystemHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Health reports the state of every probe
// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /health [get]
func (h *SystemHandler) Health(c *gin.Context) {
	out := gin.H{"status": "OK"}
	code := http.StatusOK
	for name, probe := range h.probes {
		if err := probe(); err != nil {
			out[name] = err.Error()
			out["status"] = "DEGRADED"
			code = http.StatusServiceUnavailable
			continue
		}
		out[name] = "OK"
	}
	c.JSON(code, out)
}
