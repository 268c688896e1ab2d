package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quantbench/database"
	"quantbench/strategy"
)

// saveStrategyRequest 保存策略请求
type saveStrategyRequest struct {
	ID          int64              `json:"id,omitempty"` // 非零时更新
	Name        string             `json:"name" binding:"required"`
	Kind        string             `json:"kind" binding:"required"`
	Parameters  map[string]float64 `json:"parameters"`
	Description string             `json:"description"`
}

// parametersFromRecord 把数据库中的策略记录转换为回测参数
func parametersFromRecord(cfg *database.StrategyConfig) (strategy.Parameters, error) {
	kind, err := strategy.ParseKind(cfg.Kind)
	if err != nil {
		return strategy.Parameters{}, err
	}
	values := map[string]float64{}
	if cfg.Parameters != "" {
		if err := json.Unmarshal([]byte(cfg.Parameters), &values); err != nil {
			return strategy.Parameters{}, fmt.Errorf("解析策略参数失败: %w", err)
		}
	}
	return strategy.Parameters{Kind: kind, Values: values}, nil
}

func (h *api) requireDB(c *gin.Context) bool {
	if h.deps.DB == nil {
		respondError(c, http.StatusServiceUnavailable, "数据库未启用")
		return false
	}
	return true
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("无效的策略 id: %s", c.Param("id")))
		return 0, false
	}
	return id, true
}

// listStrategies 列出保存的策略
func (h *api) listStrategies(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := h.deps.DB.ListStrategies(c.Request.Context(), &database.StrategyFilter{
		Kind:   c.Query("kind"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("查询策略失败: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "strategies": list})
}

// saveStrategy 校验并保存策略，返回 id
func (h *api) saveStrategy(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	var req saveStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("请求参数错误: %v", err))
		return
	}

	kind, err := strategy.ParseKind(req.Kind)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	params := strategy.Parameters{Kind: kind, Values: req.Parameters}
	if err := strategy.Validate(params); err != nil {
		var pe *strategy.ParamError
		if errors.As(err, &pe) {
			respondError(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := json.Marshal(params.Clone().Values)
	if err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("序列化参数失败: %v", err))
		return
	}

	record := &database.StrategyConfig{
		ID:          req.ID,
		Name:        req.Name,
		Kind:        string(kind),
		Parameters:  string(raw),
		Description: req.Description,
	}
	if err := h.deps.DB.SaveStrategy(c.Request.Context(), record); err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("保存策略失败: %v", err))
		return
	}

	status := http.StatusCreated
	if req.ID != 0 {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"success": true, "id": record.ID, "strategy": record})
}

// getStrategy 获取策略
func (h *api) getStrategy(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	record, err := h.deps.DB.GetStrategy(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "strategy": record})
}

// deleteStrategy 删除策略
func (h *api) deleteStrategy(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.deps.DB.DeleteStrategy(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "策略已删除"})
}
