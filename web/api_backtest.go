package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"quantbench/backtest"
	"quantbench/database"
	"quantbench/logger"
	"quantbench/strategy"
)

// runBacktestRequest 回测请求；strategyId 非零时使用已保存的策略配置
type runBacktestRequest struct {
	backtest.Request
	StrategyID int64 `json:"strategyId,omitempty"`
}

// BacktestResponse 回测响应
type BacktestResponse struct {
	Success    bool                  `json:"success"`
	Message    string                `json:"message,omitempty"`
	Run        *backtest.RunSnapshot `json:"run,omitempty"`
	ReportPath string                `json:"reportPath,omitempty"`
	EquityPath string                `json:"equityPath,omitempty"`
}

// runBacktest 运行回测；?async=true 时立即返回 202 和回测 id
func (h *api) runBacktest(c *gin.Context) {
	var body runBacktestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("请求参数错误: %v", err))
		return
	}

	req := body.Request
	if body.StrategyID != 0 {
		params, err := h.loadStrategy(c.Request.Context(), body.StrategyID)
		if err != nil {
			respondErr(c, err)
			return
		}
		req.Strategy = params
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		run, err := h.deps.Manager.Submit(c.Request.Context(), req)
		if err != nil {
			respondErr(c, err)
			return
		}
		snap := run.Snapshot(false)
		c.JSON(http.StatusAccepted, BacktestResponse{Success: true, Message: "回测已提交", Run: &snap})
		return
	}

	run, err := h.deps.Manager.RunSync(c.Request.Context(), req)
	if run == nil {
		respondErr(c, err)
		return
	}

	snap := run.Snapshot(true)
	if err != nil {
		c.JSON(statusForError(err), BacktestResponse{Success: false, Message: err.Error(), Run: &snap})
		return
	}

	resp := BacktestResponse{Success: true, Message: "回测完成", Run: &snap}
	if h.deps.ReportDir != "" {
		if path, err := backtest.GenerateReport(h.deps.ReportDir, snap); err != nil {
			logger.Warn("⚠️ 生成报告失败: %v", err)
		} else {
			resp.ReportPath = path
		}
		if path, err := backtest.SaveEquityCurveCSV(h.deps.ReportDir, snap); err != nil {
			logger.Warn("⚠️ 保存权益曲线失败: %v", err)
		} else {
			resp.EquityPath = path
		}
	}
	c.JSON(http.StatusOK, resp)
}

// loadStrategy 读取已保存的策略并转换为回测参数
func (h *api) loadStrategy(ctx context.Context, id int64) (strategy.Parameters, error) {
	if h.deps.DB == nil {
		return strategy.Parameters{}, fmt.Errorf("%w: 数据库未启用", database.ErrNotFound)
	}
	cfg, err := h.deps.DB.GetStrategy(ctx, id)
	if err != nil {
		return strategy.Parameters{}, fmt.Errorf("读取策略 %d 失败: %w", id, err)
	}
	return parametersFromRecord(cfg)
}

// listRuns 内存中的回测 + 数据库中的历史记录
func (h *api) listRuns(c *gin.Context) {
	runs := h.deps.Manager.List()

	resp := gin.H{
		"success": true,
		"runs":    runs,
	}

	if h.deps.DB != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		filter := &database.RunFilter{
			State:        c.Query("state"),
			StrategyKind: c.Query("strategy"),
			Limit:        limit,
			Offset:       offset,
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		history, err := h.deps.DB.ListRuns(ctx, filter)
		if err != nil {
			respondError(c, http.StatusInternalServerError, fmt.Sprintf("查询回测历史失败: %v", err))
			return
		}

		inMemory := make(map[string]bool, len(runs))
		for _, r := range runs {
			inMemory[r.ID] = true
		}
		persisted := make([]*database.RunRecord, 0, len(history))
		for _, rec := range history {
			if !inMemory[rec.RunID] {
				persisted = append(persisted, rec)
			}
		}
		resp["history"] = persisted
	}

	c.JSON(http.StatusOK, resp)
}

// getRun 查询回测状态与结果；内存中已清理的回测从数据库读取
func (h *api) getRun(c *gin.Context) {
	id := c.Param("id")

	run, err := h.deps.Manager.Get(id)
	if err == nil {
		snap := run.Snapshot(true)
		c.JSON(http.StatusOK, gin.H{"success": true, "run": snap})
		return
	}
	if h.deps.DB == nil {
		respondErr(c, err)
		return
	}

	ctx := c.Request.Context()
	rec, dbErr := h.deps.DB.GetRun(ctx, id)
	if dbErr != nil {
		respondErr(c, fmt.Errorf("回测 %s 不存在: %w", id, dbErr))
		return
	}
	trades, dbErr := h.deps.DB.GetRunTrades(ctx, id)
	if dbErr != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("查询成交记录失败: %v", dbErr))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"record":  rec,
		"result":  json.RawMessage(nonEmptyJSON(rec.Result)),
		"trades":  trades,
	})
}

// cancelRun 协作式取消
func (h *api) cancelRun(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Manager.Cancel(id); err != nil {
		respondErr(c, err)
		return
	}
	run, err := h.deps.Manager.Get(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "已请求取消",
		"run":     run.Snapshot(false),
	})
}

// getCacheStats 获取缓存统计
func (h *api) getCacheStats(c *gin.Context) {
	if h.deps.Cache == nil {
		respondError(c, http.StatusServiceUnavailable, "K线缓存未启用")
		return
	}
	stats, err := h.deps.Cache.Stats(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("获取缓存统计失败: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// listCache 列出所有缓存
func (h *api) listCache(c *gin.Context) {
	if h.deps.Cache == nil {
		respondError(c, http.StatusServiceUnavailable, "K线缓存未启用")
		return
	}
	caches, err := h.deps.Cache.List(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("列出缓存失败: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "caches": caches})
}

// deleteCache 删除指定缓存
func (h *api) deleteCache(c *gin.Context) {
	if h.deps.Cache == nil {
		respondError(c, http.StatusServiceUnavailable, "K线缓存未启用")
		return
	}
	key := c.Param("key")
	if err := h.deps.Cache.Delete(c.Request.Context(), key); err != nil {
		respondErr(c, err)
		return
	}
	logger.Info("🗑️ 已删除缓存: %s", key)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "缓存已删除"})
}

// clearCache 清空缓存
func (h *api) clearCache(c *gin.Context) {
	if h.deps.Cache == nil {
		respondError(c, http.StatusServiceUnavailable, "K线缓存未启用")
		return
	}
	if err := h.deps.Cache.Clear(c.Request.Context()); err != nil {
		respondError(c, http.StatusInternalServerError, fmt.Sprintf("清空缓存失败: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "缓存已清空"})
}

func nonEmptyJSON(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
