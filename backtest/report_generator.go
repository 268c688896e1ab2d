package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"quantbench/utils"
)

// GenerateReport 生成 Markdown 回测报告，返回文件路径
func GenerateReport(dir string, snap RunSnapshot) (string, error) {
	if snap.Result == nil {
		return "", fmt.Errorf("回测 %s 尚未完成, 无法生成报告", snap.ID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	content, err := RenderReport(snap)
	if err != nil {
		return "", fmt.Errorf("渲染报告模板失败: %w", err)
	}

	reportPath := filepath.Join(dir, reportBaseName(snap)+".md")
	if err := os.WriteFile(reportPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}
	return reportPath, nil
}

func reportBaseName(snap RunSnapshot) string {
	id := snap.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s_%s",
		snap.Request.Strategy.Kind,
		strings.Join(snap.Request.Symbols, "-"),
		id,
	)
}

// ReportData 报告数据
type ReportData struct {
	// 基本信息
	Strategy       string
	Parameters     string
	Symbols        string
	PortfolioMode  string
	GeneratedAt    string
	StartDate      string
	EndDate        string
	Duration       string
	InitialCapital string
	FinalCapital   string

	// 绩效
	TotalReturn      string
	AnnualizedReturn string
	MaxDrawdown      string
	SharpeRatio      string
	WinRate          string
	ProfitFactor     string
	TotalTrades      int
	AvgDuration      string

	Stats     TradeStatistics
	Risk      RiskMetrics
	PerSymbol []SymbolResult
	TopTrades []TradeRow

	Conclusion string
}

// TradeRow 交易行
type TradeRow struct {
	Symbol    string
	Action    string
	EntryDate string
	ExitDate  string
	Entry     string
	Exit      string
	Quantity  string
	PnL       string
}

func prepareReportData(snap RunSnapshot) ReportData {
	req := snap.Request
	res := snap.Result
	m := res.Metrics

	final := req.InitialCapital
	if n := len(res.Equity); n > 0 {
		final = res.Equity[n-1].CapitalValue
	}

	params := make([]string, 0, len(req.Strategy.Values))
	for k, v := range req.Strategy.Values {
		params = append(params, fmt.Sprintf("%s=%s", k, strconv.FormatFloat(v, 'f', -1, 64)))
	}
	sort.Strings(params)

	topTrades := make([]TradeRow, 0, 20)
	for i, t := range res.Trades {
		if i >= 20 {
			break
		}
		topTrades = append(topTrades, TradeRow{
			Symbol:    t.Symbol,
			Action:    string(t.Action),
			EntryDate: utils.FormatDate(t.EntryDate),
			ExitDate:  utils.FormatDate(t.ExitDate),
			Entry:     fmt.Sprintf("%.2f", t.EntryPrice),
			Exit:      fmt.Sprintf("%.2f", t.ExitPrice),
			Quantity:  fmt.Sprintf("%.0f", t.Quantity),
			PnL:       fmt.Sprintf("%.2f", t.PnL),
		})
	}

	days := int(req.DateRange.End.Sub(req.DateRange.Start).Hours() / 24)

	return ReportData{
		Strategy:       string(req.Strategy.Kind),
		Parameters:     strings.Join(params, ", "),
		Symbols:        strings.Join(req.Symbols, ", "),
		PortfolioMode:  string(req.PortfolioMode),
		GeneratedAt:    utils.FormatDateTime(utils.NowConfiguredTimezone()),
		StartDate:      utils.FormatDate(req.DateRange.Start),
		EndDate:        utils.FormatDate(req.DateRange.End),
		Duration:       fmt.Sprintf("%d 天", days),
		InitialCapital: fmt.Sprintf("%.2f", req.InitialCapital),
		FinalCapital:   fmt.Sprintf("%.2f", final),

		TotalReturn:      fmt.Sprintf("%.2f%%", m.TotalReturnPct),
		AnnualizedReturn: fmt.Sprintf("%.2f%%", m.AnnualizedReturnPct),
		MaxDrawdown:      fmt.Sprintf("%.2f%%", m.MaxDrawdownPct),
		SharpeRatio:      fmt.Sprintf("%.2f", m.SharpeRatio),
		WinRate:          fmt.Sprintf("%.2f%%", m.WinRatePct),
		ProfitFactor:     fmt.Sprintf("%.2f", m.ProfitFactor),
		TotalTrades:      m.TotalTrades,
		AvgDuration:      fmt.Sprintf("%.1f 天", m.AvgTradeDurationDays),

		Stats:     res.TradeStats,
		Risk:      res.RiskMetrics,
		PerSymbol: res.PerSymbol,
		TopTrades: topTrades,

		Conclusion: generateConclusion(m),
	}
}

// generateConclusion 生成结论
func generateConclusion(m PerformanceMetrics) string {
	if m.TotalTrades == 0 {
		return "⚠️ 回测期间没有产生交易信号，请检查参数或延长回测区间"
	}

	var conclusions []string

	// 收益评估
	switch {
	case m.TotalReturnPct > 50:
		conclusions = append(conclusions, "✅ 策略表现优秀，总收益率超过 50%")
	case m.TotalReturnPct > 20:
		conclusions = append(conclusions, "✅ 策略表现良好，总收益率超过 20%")
	case m.TotalReturnPct > 0:
		conclusions = append(conclusions, "⚠️ 策略盈利，但收益率较低")
	default:
		conclusions = append(conclusions, "❌ 策略亏损，需要优化参数或更换策略")
	}

	// 风险评估（回撤为负数）
	switch {
	case m.MaxDrawdownPct > -10:
		conclusions = append(conclusions, "✅ 风险控制良好，最大回撤小于 10%")
	case m.MaxDrawdownPct > -20:
		conclusions = append(conclusions, "⚠️ 风险适中，最大回撤在 10-20% 之间")
	default:
		conclusions = append(conclusions, "❌ 风险较高，最大回撤超过 20%")
	}

	// 胜率评估
	switch {
	case m.WinRatePct > 60:
		conclusions = append(conclusions, "✅ 胜率高，超过 60%")
	case m.WinRatePct > 50:
		conclusions = append(conclusions, "✅ 胜率良好，超过 50%")
	default:
		conclusions = append(conclusions, "⚠️ 胜率较低，需要优化策略")
	}

	// 利润因子评估，0 表示没有亏损交易
	switch {
	case m.ProfitFactor == 0:
		conclusions = append(conclusions, "✅ 没有亏损交易")
	case m.ProfitFactor > 2:
		conclusions = append(conclusions, "✅ 利润因子优秀，盈利能力强")
	case m.ProfitFactor > 1:
		conclusions = append(conclusions, "⚠️ 利润因子一般")
	default:
		conclusions = append(conclusions, "❌ 利润因子 < 1，总亏损大于总盈利")
	}

	return strings.Join(conclusions, "\n\n")
}

const reportTemplate = `# {{.Strategy}} 策略回测报告

生成时间: {{.GeneratedAt}}

## 执行摘要

- **交易对**: {{.Symbols}}
- **策略参数**: {{if .Parameters}}{{.Parameters}}{{else}}默认{{end}}
- **资金模式**: {{.PortfolioMode}}
- **回测期间**: {{.StartDate}} 至 {{.EndDate}} ({{.Duration}})
- **初始资金**: ${{.InitialCapital}}
- **最终资金**: ${{.FinalCapital}}

## 绩效指标

| 指标 | 数值 |
|------|------|
| 总收益率 | {{.TotalReturn}} |
| 年化收益率 | {{.AnnualizedReturn}} |
| 最大回撤 | {{.MaxDrawdown}} |
| 夏普比率 | {{.SharpeRatio}} |
| 胜率 | {{.WinRate}} |
| 利润因子 | {{.ProfitFactor}} |
| 总交易次数 | {{.TotalTrades}} |
| 平均持仓 | {{.AvgDuration}} |

## 交易统计

| 指标 | 数值 |
|------|------|
| 盈利/亏损笔数 | {{.Stats.WinningTrades}} / {{.Stats.LosingTrades}} |
| 做多/做空笔数 | {{.Stats.LongTrades}} / {{.Stats.ShortTrades}} |
| 平均盈利 | {{printf "%.2f" .Stats.AvgWin}} |
| 平均亏损 | {{printf "%.2f" .Stats.AvgLoss}} |
| 最大单笔盈利 | {{printf "%.2f" .Stats.LargestWin}} |
| 最大单笔亏损 | {{printf "%.2f" .Stats.LargestLoss}} |
| 最大连续盈利 | {{.Stats.MaxConsecutiveWins}} 笔 |
| 最大连续亏损 | {{.Stats.MaxConsecutiveLosses}} 笔 |
| 手续费合计 | {{printf "%.2f" .Stats.TotalFees}} |

## 分交易对

| 交易对 | K线数 | 交易数 | 期末资金 | 收益率 |
|--------|-------|--------|----------|--------|
{{range .PerSymbol}}| {{.Symbol}} | {{.Candles}} | {{.Trades}} | {{printf "%.2f" .FinalCapital}} | {{printf "%.2f%%" .Metrics.TotalReturnPct}} |
{{end}}
## 交易明细（前20笔）

| 交易对 | 方向 | 开仓 | 平仓 | 开仓价 | 平仓价 | 数量 | 盈亏 |
|--------|------|------|------|--------|--------|------|------|
{{range .TopTrades}}| {{.Symbol}} | {{.Action}} | {{.EntryDate}} | {{.ExitDate}} | {{.Entry}} | {{.Exit}} | {{.Quantity}} | {{.PnL}} |
{{end}}
## 高级风险指标

| 指标 | 数值 |
|------|------|
| VaR (95%) | {{printf "%.2f%%" .Risk.VaR95}} |
| VaR (99%) | {{printf "%.2f%%" .Risk.VaR99}} |
| CVaR (95%) | {{printf "%.2f%%" .Risk.CVaR95}} |
| CVaR (99%) | {{printf "%.2f%%" .Risk.CVaR99}} |
| 权益波动率 | {{printf "%.2f%%" .Risk.Volatility}} |

## 结论

{{.Conclusion}}

---

*本报告由 quantbench 回测系统自动生成*
`

var reportTmpl = template.Must(template.New("report").Parse(reportTemplate))

// RenderReport 渲染 Markdown 报告内容
func RenderReport(snap RunSnapshot) (string, error) {
	if snap.Result == nil {
		return "", fmt.Errorf("回测 %s 没有结果", snap.ID)
	}
	var buf strings.Builder
	if err := reportTmpl.Execute(&buf, prepareReportData(snap)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SaveEquityCurveCSV 保存权益与回撤曲线到 CSV
func SaveEquityCurveCSV(dir string, snap RunSnapshot) (string, error) {
	if snap.Result == nil {
		return "", fmt.Errorf("回测 %s 没有结果", snap.ID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	csvPath := filepath.Join(dir, reportBaseName(snap)+"_equity.csv")
	file, err := os.Create(csvPath)
	if err != nil {
		return "", fmt.Errorf("创建 CSV 文件失败: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"date", "capital_value", "drawdown_pct"}); err != nil {
		return "", err
	}

	// 回撤点与第 1 个之后的权益点一一对应
	for i, p := range snap.Result.Equity {
		dd := "0"
		if i > 0 && i-1 < len(snap.Result.Drawdown) {
			dd = strconv.FormatFloat(snap.Result.Drawdown[i-1].DrawdownPct, 'f', 4, 64)
		}
		record := []string{
			p.Date.UTC().Format(time.RFC3339),
			strconv.FormatFloat(p.CapitalValue, 'f', 2, 64),
			dd,
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("写入 CSV 失败: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("写入 CSV 失败: %w", err)
	}
	return csvPath, nil
}
