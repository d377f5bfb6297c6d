package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
)

func TestWriteAuditWorkbook(t *testing.T) {
	results := []rules.AuditResult{
		{
			RuleID:   "R1",
			RuleName: "fund name present",
			Label:    "basic",
			Verdict:  rules.Compliant,
			SchemaResults: []rules.SchemaResult{{
				Path:    "fund_name",
				Value:   "华夏成长基金",
				Results: []answer.AnswerResult{{Text: "华夏成长基金"}},
			}},
			Reasons:  []rules.Reason{{Text: "compliant", Matched: true}},
			OrderKey: answer.Position{Page: 2},
		},
		{
			RuleID:   "R2",
			RuleName: "scope and custodian",
			Verdict:  rules.NonCompliant,
			SchemaResults: []rules.SchemaResult{
				{Path: "investment_scope", Value: "股票", Results: []answer.AnswerResult{{Text: "股票"}}},
				{Path: "custodian", Value: "招商银行", Results: []answer.AnswerResult{{Text: "招商银行"}}},
			},
			Reasons:    []rules.Reason{{Text: "scope too narrow"}},
			Suggestion: "请补充 custodian",
		},
		{
			RuleID:        "R3",
			Verdict:       rules.Ignore,
			SchemaResults: []rules.SchemaResult{{Path: "custodian"}},
			Reasons:       []rules.Reason{{Text: "insufficient extraction: custodian"}},
			OrderKey:      answer.Position{Page: 7},
		},
	}

	buf, err := WriteAuditWorkbook(results)
	require.NoError(t, err)

	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{AuditSheet, SummarySheet}, f.GetSheetList())

	rows, err := f.GetRows(AuditSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, AuditHeaders, rows[0])
	assert.Equal(t, []string{"R1", "fund name present", "basic", "compliant", "fund_name", "华夏成长基金", "compliant", "", "3"}, rows[1])
	assert.Equal(t, []string{"R2", "scope and custodian", "", "non-compliant",
		"investment_scope\ncustodian", "股票\n招商银行", "scope too narrow", "请补充 custodian", "1"}, rows[2])
	assert.Equal(t, []string{"R3", "", "", "ignore", "custodian", "", "insufficient extraction: custodian"}, trimRow(rows[3]))

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Verdict", "Count"},
		{"compliant", "1"},
		{"non-compliant", "1"},
		{"ignore", "1"},
		{"total", "3"},
	}, summary)
}

func TestWriteAuditWorkbook_Empty(t *testing.T) {
	buf, err := WriteAuditWorkbook(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(AuditSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{AuditHeaders}, rows)

	v, err := f.GetCellValue(SummarySheet, "B5")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

// trimRow drops trailing empty cells, which excelize may or may not report.
func trimRow(row []string) []string {
	for len(row) > 0 && row[len(row)-1] == "" {
		row = row[:len(row)-1]
	}
	return row
}
