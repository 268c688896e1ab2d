package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"quantbench/database"
)

// listEvents 查询持久化的回测事件
func (h *api) listEvents(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	filter := &database.EventFilter{
		Type:     c.Query("type"),
		Severity: c.Query("severity"),
		RunID:    c.Query("run_id"),
	}
	if s := c.Query("start_time"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filter.StartTime = &t
		}
	}
	if s := c.Query("end_time"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filter.EndTime = &t
		}
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	events, err := h.deps.DB.GetEvents(ctx, filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("查询事件失败: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
}
