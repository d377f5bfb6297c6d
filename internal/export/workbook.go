// Package export renders audit results as XLSX workbooks.
package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/xiaowucn/scriber-inspector/internal/rules"
)

const (
	AuditSheet   = "Audit"
	SummarySheet = "Summary"
)

// AuditHeaders are the columns of the Audit sheet.
var AuditHeaders = []string{
	"Rule ID",
	"Rule Name",
	"Label",
	"Verdict",
	"Fields",
	"Values",
	"Reason",
	"Suggestion",
	"Page",
}

var verdictOrder = []rules.Verdict{rules.Compliant, rules.NonCompliant, rules.Ignore}

// WriteAuditWorkbook writes one Audit row per result, in the given order, and
// a Summary sheet with the count of each verdict. Pages are 1-based; results
// without an anchored value leave the page empty.
func WriteAuditWorkbook(results []rules.AuditResult) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	// A new file starts with "Sheet1"; rename it rather than leave it empty.
	if err := f.SetSheetName(f.GetSheetName(0), AuditSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeRow(f, AuditSheet, 1, toAny(AuditHeaders)); err != nil {
		return nil, err
	}

	counts := make(map[rules.Verdict]int, len(verdictOrder))
	for i, r := range results {
		counts[r.Verdict]++
		if err := writeRow(f, AuditSheet, i+2, auditRow(r)); err != nil {
			return nil, err
		}
	}

	_ = f.SetColWidth(AuditSheet, "A", "C", 16)
	_ = f.SetColWidth(AuditSheet, "D", "D", 14)
	_ = f.SetColWidth(AuditSheet, "E", "F", 32)
	_ = f.SetColWidth(AuditSheet, "G", "H", 48)
	_ = f.SetColWidth(AuditSheet, "I", "I", 8)
	if err := f.SetPanes(AuditSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return nil, fmt.Errorf("create summary sheet: %w", err)
	}
	if err := writeRow(f, SummarySheet, 1, []any{"Verdict", "Count"}); err != nil {
		return nil, err
	}
	for i, v := range verdictOrder {
		if err := writeRow(f, SummarySheet, i+2, []any{string(v), counts[v]}); err != nil {
			return nil, err
		}
	}
	if err := writeRow(f, SummarySheet, len(verdictOrder)+2, []any{"total", len(results)}); err != nil {
		return nil, err
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 16)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf, nil
}

func auditRow(r rules.AuditResult) []any {
	fields := make([]string, 0, len(r.SchemaResults))
	values := make([]string, 0, len(r.SchemaResults))
	anchored := false
	for _, s := range r.SchemaResults {
		fields = append(fields, s.Path)
		values = append(values, s.Value)
		anchored = anchored || !s.Empty()
	}

	var page any = ""
	if anchored {
		page = r.OrderKey.Page + 1
	}
	return []any{
		r.RuleID,
		r.RuleName,
		r.Label,
		string(r.Verdict),
		strings.Join(fields, "\n"),
		strings.Join(values, "\n"),
		r.Reason(),
		r.Suggestion,
		page,
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
