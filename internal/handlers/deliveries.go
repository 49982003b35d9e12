package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/delivery"
	"github.com/proppulse/backend/internal/models"
)

// DeliveryHandler exposes the delivery log, provider status callbacks
// and the daily statistics rollup.
type DeliveryHandler struct {
	DB *gorm.DB
}

// List delivery logs for the calling user. Query: status, channel,
// alert_instance_id, page, page_size.
func (h *DeliveryHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	q := h.DB.Model(&models.DeliveryLog{}).Where("user_id = ?", userID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if channel := c.Query("channel"); channel != "" {
		q = q.Where("channel = ?", channel)
	}
	if inst := c.Query("alert_instance_id"); inst != "" {
		q = q.Where("alert_instance_id = ?", inst)
	}
	var total int64
	q.Count(&total)
	offset, limit := pagination(c)
	var list []models.DeliveryLog
	if err := q.Order("created_at desc").Offset(offset).Limit(limit).Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": list, "total": total})
}

var deliveryExportHeaders = []string{"ID", "Channel", "Recipient", "Subject", "Status", "Provider Message ID", "Retries", "Priority", "Created", "Delivered", "Error"}

const exportTimeLayout = "2006-01-02 15:04:05"

func writeDeliveriesExcel(list []models.DeliveryLog) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	sheet := "Deliveries"
	idx, _ := f.NewSheet(sheet)
	f.DeleteSheet("Sheet1")
	for i, hdr := range deliveryExportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, hdr)
	}
	styleHeader, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#f0f0f0"}, Pattern: 1},
	})
	_ = f.SetCellStyle(sheet, "A1", "K1", styleHeader)
	for row, d := range list {
		delivered := ""
		if d.DeliveredAt != nil {
			delivered = d.DeliveredAt.Format(exportTimeLayout)
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row+2), d.ID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row+2), d.Channel)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row+2), d.RecipientAddress)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row+2), d.Subject)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row+2), d.Status)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row+2), d.ProviderMessageID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", row+2), d.RetryCount)
		_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", row+2), d.Priority)
		_ = f.SetCellValue(sheet, fmt.Sprintf("I%d", row+2), d.CreatedAt.Format(exportTimeLayout))
		_ = f.SetCellValue(sheet, fmt.Sprintf("J%d", row+2), delivered)
		_ = f.SetCellValue(sheet, fmt.Sprintf("K%d", row+2), d.ErrorMessage)
	}
	f.SetColWidth(sheet, "A", "A", 38)
	f.SetColWidth(sheet, "C", "C", 28)
	f.SetColWidth(sheet, "D", "D", 40)
	f.SetColWidth(sheet, "F", "F", 38)
	f.SetColWidth(sheet, "I", "J", 20)
	f.SetColWidth(sheet, "K", "K", 40)
	f.SetActiveSheet(idx)
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Export returns the caller's delivery log as an Excel workbook.
// Query: from, to (RFC3339), status, channel.
func (h *DeliveryHandler) Export(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	q := h.DB.Model(&models.DeliveryLog{}).Where("user_id = ?", userID)
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q = q.Where("created_at >= ?", t)
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q = q.Where("created_at <= ?", t)
		}
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if channel := c.Query("channel"); channel != "" {
		q = q.Where("channel = ?", channel)
	}
	var list []models.DeliveryLog
	if err := q.Order("created_at desc").Limit(10000).Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	buf, err := writeDeliveriesExcel(list)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	dateStr := time.Now().UTC().Format("2006-01-02")
	c.Header("Content-Disposition", "attachment; filename=deliveries-"+dateStr+".xlsx")
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// CallbackRequest is the provider status webhook payload.
type CallbackRequest struct {
	ProviderMessageID string `json:"provider_message_id" binding:"required"`
	Status            string `json:"status" binding:"required"` // delivered, failed, bounced, opened, clicked
	Timestamp         string `json:"timestamp"`                 // RFC3339, optional
}

// Callback applies an asynchronous provider status update. Stale or
// duplicate callbacks return 200 without changing anything.
func (h *DeliveryHandler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var at time.Time
	if req.Timestamp != "" {
		at, _ = time.Parse(time.RFC3339, req.Timestamp)
	}
	if err := delivery.ApplyStatus(h.DB, req.ProviderMessageID, req.Status, at); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Statistics lists daily per-channel rollups. Query: from, to
// (YYYY-MM-DD), channel.
func (h *DeliveryHandler) Statistics(c *gin.Context) {
	q := h.DB.Model(&models.DeliveryStatistic{})
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse("2006-01-02", from); err == nil {
			q = q.Where("day >= ?", t)
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse("2006-01-02", to); err == nil {
			q = q.Where("day <= ?", t)
		}
	}
	if channel := c.Query("channel"); channel != "" {
		q = q.Where("channel = ?", channel)
	}
	var list []models.DeliveryStatistic
	if err := q.Order("day desc, channel asc").Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statistics": list})
}
