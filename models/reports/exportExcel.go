package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// ExcelExporter is one spreadsheet row.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

type backlogRow models.JobBacklogRow

func (r backlogRow) GetCellValues() []interface{} {
	return []interface{}{string(r.Status), string(r.Department), r.JobCount}
}

type agingRow models.ReceivableAgingBucket

func (r agingRow) GetCellValues() []interface{} {
	return []interface{}{r.Bucket, r.DocumentCount, r.Amount.InexactFloat64()}
}

type cashFlowRow models.CashFlowDay

func (r cashFlowRow) GetCellValues() []interface{} {
	return []interface{}{r.Date, r.DocumentCount, r.Amount.InexactFloat64()}
}

const (
	SheetBacklog  = "Backlog"
	SheetAging    = "Receivable Aging"
	SheetCashFlow = "Cash Flow"
)

// Dashboard is what one export contains.
type Dashboard struct {
	Backlog  []models.JobBacklogRow
	Aging    []models.ReceivableAgingBucket
	CashFlow []models.CashFlowDay
}

// LoadDashboard reads the dashboard of a business: aging as of asOf, cash flow
// for the days before asOf.
func LoadDashboard(ctx context.Context, db *gorm.DB, businessId string, asOf time.Time, days int) (*Dashboard, error) {
	backlog, err := models.GetJobBacklog(ctx, db, businessId)
	if err != nil {
		return nil, err
	}
	aging, err := models.GetReceivableAging(ctx, db, businessId, asOf)
	if err != nil {
		return nil, err
	}
	cashFlow, err := models.GetCashFlow(ctx, db, businessId, asOf.AddDate(0, 0, -days), asOf)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Backlog: backlog, Aging: aging, CashFlow: cashFlow}, nil
}

func writeSheet(f *excelize.File, sheetName string, data []ExcelExporter, headings ...string) error {
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}
	col := 'A'
	for _, h := range headings {
		if err := f.SetCellValue(sheetName, string(col)+"1", h); err != nil {
			return err
		}
		col++
	}
	rowNo := 2
	for _, d := range data {
		col := 'A'
		for _, value := range d.GetCellValues() {
			if err := f.SetCellValue(sheetName, string(col)+fmt.Sprint(rowNo), value); err != nil {
				return err
			}
			col++
		}
		rowNo++
	}
	return nil
}

// NewWorkbook lays the dashboard out one sheet per reader.
func (d Dashboard) NewWorkbook() (*excelize.File, error) {
	f := excelize.NewFile()

	backlog := make([]ExcelExporter, 0, len(d.Backlog))
	for _, r := range d.Backlog {
		backlog = append(backlog, backlogRow(r))
	}
	aging := make([]ExcelExporter, 0, len(d.Aging))
	for _, r := range d.Aging {
		aging = append(aging, agingRow(r))
	}
	cashFlow := make([]ExcelExporter, 0, len(d.CashFlow))
	for _, r := range d.CashFlow {
		cashFlow = append(cashFlow, cashFlowRow(r))
	}

	if err := writeSheet(f, SheetBacklog, backlog, "Status", "Department", "Jobs"); err != nil {
		return nil, err
	}
	if err := writeSheet(f, SheetAging, aging, "Bucket", "Documents", "Amount"); err != nil {
		return nil, err
	}
	if err := writeSheet(f, SheetCashFlow, cashFlow, "Date", "Documents", "Amount"); err != nil {
		return nil, err
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	if idx, err := f.GetSheetIndex(SheetBacklog); err == nil {
		f.SetActiveSheet(idx)
	}
	return f, nil
}

func (d Dashboard) Write(w io.Writer) error {
	f, err := d.NewWorkbook()
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func (d Dashboard) SaveAs(filename string) error {
	f, err := d.NewWorkbook()
	if err != nil {
		return err
	}
	defer f.Close()
	return f.SaveAs(filename)
}
