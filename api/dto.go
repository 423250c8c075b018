/*
dto.go - Data Transfer Objects for API responses

PURPOSE:
  Defines the JSON structures for the admin API. These types decouple
  the domain model from the external contract: dates are rendered as
  YYYY-MM-DD and quantities as exact decimal strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Wrappers around lists

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fact-engine/core"
)

// FactDTO represents one fact row.
type FactDTO struct {
	PeriodStart  string          `json:"period_start"`
	CustomerCode string          `json:"customer_code"`
	ProductCode  string          `json:"product_code"`
	SoldQuantity decimal.Decimal `json:"sold_quantity"`
	Version      int64           `json:"version"`
	BatchID      string          `json:"batch_id"`
	UpdatedAt    string          `json:"updated_at"`
}

func toFactDTO(f core.FactRow) FactDTO {
	return FactDTO{
		PeriodStart:  f.PeriodStart.Format(core.DateLayout),
		CustomerCode: f.CustomerCode,
		ProductCode:  f.ProductCode,
		SoldQuantity: f.SoldQuantity,
		Version:      f.Version,
		BatchID:      string(f.BatchID),
		UpdatedAt:    f.UpdatedAt.Format(time.RFC3339),
	}
}

// ChangeDTO represents one change log entry.
type ChangeDTO struct {
	BatchID      string          `json:"batch_id"`
	PeriodStart  string          `json:"period_start"`
	CustomerCode string          `json:"customer_code"`
	ProductCode  string          `json:"product_code"`
	Op           string          `json:"op"`
	OldQuantity  decimal.Decimal `json:"old_quantity"`
	NewQuantity  decimal.Decimal `json:"new_quantity"`
	ChangedAt    string          `json:"changed_at"`
}

func toChangeDTO(c core.FactChange) ChangeDTO {
	return ChangeDTO{
		BatchID:      string(c.BatchID),
		PeriodStart:  c.Key.PeriodStart.Format(core.DateLayout),
		CustomerCode: c.Key.CustomerCode,
		ProductCode:  c.Key.ProductCode,
		Op:           string(c.Op),
		OldQuantity:  c.OldQuantity,
		NewQuantity:  c.NewQuantity,
		ChangedAt:    c.ChangedAt.Format(time.RFC3339),
	}
}

// RevenueDTO represents a fact priced with its yearly gross price.
type RevenueDTO struct {
	PeriodStart  string           `json:"period_start"`
	Year         int              `json:"fiscal_year"`
	MonthName    string           `json:"month_name"`
	Quarter      int              `json:"quarter"`
	CustomerCode string           `json:"customer_code"`
	ProductCode  string           `json:"product_code"`
	SoldQuantity decimal.Decimal  `json:"sold_quantity"`
	GrossPrice   *decimal.Decimal `json:"gross_price,omitempty"`
	Revenue      *decimal.Decimal `json:"gross_revenue,omitempty"`
}

func toRevenueDTO(r core.RevenueRow) RevenueDTO {
	dto := RevenueDTO{
		PeriodStart:  r.PeriodStart.Format(core.DateLayout),
		Year:         r.Year,
		MonthName:    r.MonthName,
		Quarter:      r.Quarter,
		CustomerCode: r.CustomerCode,
		ProductCode:  r.ProductCode,
		SoldQuantity: r.SoldQuantity,
	}
	if r.Priced {
		price, revenue := r.Price, r.Revenue
		dto.GrossPrice = &price
		dto.Revenue = &revenue
	}
	return dto
}

// ManifestEntryDTO represents the processing status of a file.
type ManifestEntryDTO struct {
	File      string `json:"file"`
	Status    string `json:"status"`
	BatchID   string `json:"batch_id,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func toManifestDTO(e core.ManifestEntry) ManifestEntryDTO {
	dto := ManifestEntryDTO{File: string(e.FileID), Status: string(e.Status), BatchID: string(e.BatchID)}
	if !e.UpdatedAt.IsZero() {
		dto.UpdatedAt = e.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// RunDTO represents one recorded pipeline run.
type RunDTO struct {
	ID         string          `json:"id"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at"`
	Status     string          `json:"status"`
	BatchID    string          `json:"batch_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	Report     json.RawMessage `json:"report,omitempty"`
}

func toRunDTO(r core.RunRecord) RunDTO {
	return RunDTO{
		ID:         r.ID,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
		FinishedAt: r.FinishedAt.Format(time.RFC3339),
		Status:     string(r.Status),
		BatchID:    string(r.BatchID),
		Error:      r.Error,
		Report:     r.Report,
	}
}

// HealthDTO is the health check response.
type HealthDTO struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
