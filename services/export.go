package services

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
)

const inventorySheet = "Assets"

// ExportInventory writes one spreadsheet row per asset of the tenant
func ExportInventory(ctx context.Context, assets store.AssetStore, tenantID string, w io.Writer) (int, error) {
	list, err := assets.ListAssets(ctx, tenantID, store.AssetFilter{})
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("Error closing Excel file", "error", err)
		}
	}()

	index, err := f.NewSheet(inventorySheet)
	if err != nil {
		return 0, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return 0, err
	}

	headers := []interface{}{"ID", "Type", "Title", "Status", "Parent", "Page", "Processed At", "Error"}
	if err := f.SetSheetRow(inventorySheet, "A1", &headers); err != nil {
		return 0, err
	}

	for i, a := range list {
		processed, errMsg := "", ""
		if a.ProcessedAt != nil {
			processed = a.ProcessedAt.Format("2006-01-02 15:04:05")
		}
		if a.Metadata.Error != nil {
			errMsg = a.Metadata.Error.Kind + ": " + a.Metadata.Error.Message
		}
		var page interface{}
		if a.PageNumber > 0 {
			page = a.PageNumber
		}
		row := []interface{}{a.ID, string(a.Type), a.Title, a.ProcessingStatus, a.ParentAssetID, page, processed, errMsg}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		if err := f.SetSheetRow(inventorySheet, cell, &row); err != nil {
			return 0, err
		}
	}

	if err := f.SetColWidth(inventorySheet, "A", "H", 18); err != nil {
		return 0, err
	}
	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return len(list), nil
}
