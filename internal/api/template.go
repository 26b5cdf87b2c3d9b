package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/assesslabs/workspace-cloud/internal/template"
)

func (r *Router) ListTemplates(c *gin.Context) {
	templates, err := r.templates.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": templates})
}

type createTemplateRequest struct {
	Name        string `json:"name" binding:"required"`
	DockerImage string `json:"docker_image" binding:"required"`
	Status      string `json:"status" binding:"omitempty,oneof=stable draft deprecated"`
	CPUMHz      int    `json:"cpu_mhz"`
	MemoryMB    int    `json:"memory_mb"`
	DefaultTTL  int64  `json:"default_ttl_seconds"`
	IsDefault   bool   `json:"is_default"`
}

func (r *Router) CreateTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tpl := &template.ChallengeTemplate{
		Name:        req.Name,
		DockerImage: req.DockerImage,
		Status:      req.Status,
		CPUMHz:      req.CPUMHz,
		MemoryMB:    req.MemoryMB,
		DefaultTTL:  req.DefaultTTL,
	}
	if tpl.Status == "" {
		tpl.Status = template.StatusDraft
	}
	if tpl.CPUMHz <= 0 {
		tpl.CPUMHz = 500
	}
	if tpl.MemoryMB <= 0 {
		tpl.MemoryMB = 1024
	}

	if err := r.templates.Create(c.Request.Context(), tpl); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if req.IsDefault {
		if err := r.templates.SetDefault(c.Request.Context(), tpl.Name); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		tpl.IsDefault = true
	}
	c.JSON(http.StatusCreated, tpl)
}

func (r *Router) SetDefaultTemplate(c *gin.Context) {
	name := c.Param("name")
	ok, err := r.templates.Validate(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found or deprecated"})
		return
	}

	if err := r.templates.SetDefault(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"default": name})
}
