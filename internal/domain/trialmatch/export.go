package trialmatch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Trial Matches"

// MIMEXLSX is the content type of the workbook produced by ExportXLSX.
const MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var exportHeader = []string{
	"Rank", "Study ID", "NCT ID", "Title", "Trial Status", "Match Score", "Eligibility",
	"Condition", "Demographic", "Criteria", "Proximity", "Distance", "Unit",
	"Matched Criteria", "Unmatched Criteria", "Uncertain Criteria", "Matched At",
}

var exportWidths = []float64{6, 38, 14, 48, 20, 12, 22, 11, 13, 10, 11, 10, 8, 30, 30, 30, 22}

// ExportXLSX renders stored matches as a single-sheet workbook with a frozen
// header row.
func ExportXLSX(records []*MatchRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(exportHeader))
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(exportSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("set header style: %w", err)
	}
	for i, w := range exportWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(exportSheet, col, col, w); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	for i, m := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := exportRow(m)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func exportRow(m *MatchRecord) []interface{} {
	var distance, unit interface{}
	if m.Distance != nil {
		distance = *m.Distance
	}
	if m.DistanceUnit != nil {
		unit = *m.DistanceUnit
	}
	nct := ""
	if m.NCTID != nil {
		nct = *m.NCTID
	}
	return []interface{}{
		m.Rank, m.StudyID.String(), nct, m.TrialTitle, m.TrialStatus, m.MatchScore, m.EligibilityStatus,
		m.ConditionScore, m.DemographicScore, m.CriteriaScore, m.ProximityScore, distance, unit,
		strings.Join(m.MatchedCriteria, "; "),
		strings.Join(m.UnmatchedCriteria, "; "),
		strings.Join(m.UncertainCriteria, "; "),
		m.MatchedAt.UTC().Format("2006-01-02 15:04:05"),
	}
}
