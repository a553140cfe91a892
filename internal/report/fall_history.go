package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/MarcelMaron2k/evercare/internal/models"
	"github.com/MarcelMaron2k/evercare/internal/repository"
)

const (
	fallHistorySheet = "Fall History"
	escalationSheet  = "Escalations"
	timeLayout       = "2006-01-02 15:04:05"
)

// FallHistoryHeader 跌倒历史表头
var FallHistoryHeader = []string{
	"Event ID",
	"Started At",
	"Confirmed At",
	"Duration (ms)",
	"Peak (g)",
	"Min (g)",
	"Latitude",
	"Longitude",
	"Accuracy",
	"Provider",
}

// EscalationHeader 升级决策表头
var EscalationHeader = []string{
	"Event ID",
	"Target",
	"Target Number",
	"Outcome",
	"Channels",
	"Fallback Alert",
	"Updated At",
}

var fallHistoryWidths = []float64{38, 20, 20, 14, 10, 10, 12, 12, 10, 12}
var escalationWidths = []float64{38, 12, 18, 12, 50, 50, 20}

// GenerateFallHistoryExport 生成跌倒历史 Excel 文件
// events: 按确认时间倒序；decisions 为空时不生成升级决策表
func GenerateFallHistoryExport(events []models.FallEvent, decisions []repository.DecisionSummary) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 需要文件保持打开，出错时才提前关闭

	index, err := f.NewSheet(fallHistorySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := newHeaderStyle(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	// 1. 跌倒事件
	if err := writeHeader(f, fallHistorySheet, FallHistoryHeader, fallHistoryWidths, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	for i, e := range events {
		if err := writeRow(f, fallHistorySheet, i+2, fallEventRow(e)); err != nil {
			f.Close()
			return nil, err
		}
	}

	// 2. 升级决策（可选）
	if len(decisions) > 0 {
		if _, err := f.NewSheet(escalationSheet); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create sheet: %w", err)
		}
		if err := writeHeader(f, escalationSheet, EscalationHeader, escalationWidths, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
		for i, d := range decisions {
			if err := writeRow(f, escalationSheet, i+2, decisionRow(d)); err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func fallEventRow(e models.FallEvent) []interface{} {
	row := []interface{}{
		e.ID,
		formatTime(e.StartedAt),
		formatTime(e.ConfirmedAt),
		int64(e.DurationMs),
		e.PeakMagnitude,
		e.MinMagnitude,
		nil, nil, nil, nil,
	}
	if e.Location != nil {
		row[6] = e.Location.Latitude
		row[7] = e.Location.Longitude
		row[8] = e.Location.Accuracy
		row[9] = e.Location.Provider
	}
	return row
}

func decisionRow(d repository.DecisionSummary) []interface{} {
	channels := make([]string, 0, len(d.ChannelsAttempted))
	for _, a := range d.ChannelsAttempted {
		s := fmt.Sprintf("%s=%s", a.Channel, a.Outcome)
		if a.Reason != "" {
			s += " (" + a.Reason + ")"
		}
		channels = append(channels, s)
	}
	var updated interface{}
	if d.UpdatedAt.Valid {
		updated = formatTime(d.UpdatedAt.Time)
	}
	return []interface{}{
		d.EventID,
		string(d.Target),
		d.TargetNumber.String(),
		string(d.Outcome),
		strings.Join(channels, "; "),
		d.FallbackAlert,
		updated,
	}
}

func newHeaderStyle(f *excelize.File) (int, error) {
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FDE2E2"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create header style: %w", err)
	}
	return style, nil
}

// writeHeader 写入表头、设置列宽并冻结首行
func writeHeader(f *excelize.File, sheet string, headers []string, widths []float64, style int) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		if col < len(widths) {
			name, err := excelize.ColumnNumberToName(col + 1)
			if err != nil {
				return fmt.Errorf("failed to convert column number: %w", err)
			}
			if err := f.SetColWidth(sheet, name, name, widths[col]); err != nil {
				return fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

// writeRow 写入一行，nil 值留空
func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	for i, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, i+1, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}
