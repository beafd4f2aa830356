package tools

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nugget/vanguard/internal/reports"
)

// maxReferenceAttempts bounds retries when a generated reference
// collides with a stored one.
const maxReferenceAttempts = 5

// ReportStore persists lost-item reports. Create returns an error
// wrapping reports.ErrDuplicateReference when the reference is taken.
type ReportStore interface {
	Create(ctx context.Context, r reports.Report) error
}

var referenceSpace = big.NewInt(1_000_000)

// NewReference returns a lost-item reference number of the form
// SCT-LI-NNNNNN.
func NewReference() (string, error) {
	n, err := rand.Int(rand.Reader, referenceSpace)
	if err != nil {
		return "", fmt.Errorf("generate reference: %w", err)
	}
	return fmt.Sprintf("SCT-LI-%06d", n.Int64()), nil
}

type lostItemResult struct {
	Success         bool           `json:"success"`
	ReferenceNumber string         `json:"reference_number"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details"`
}

func (r *Registry) registerLostItemTools() {
	r.Register(&Tool{
		Name:        ReportLostItem,
		Description: "Report a lost item on Signal City Transit. Collects caller details and creates a report.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"caller_name": map[string]any{
					"type":        "string",
					"description": "The caller's name",
				},
				"route_name": map[string]any{
					"type":        "string",
					"description": "The route the caller was on when they lost the item",
				},
				"item_description": map[string]any{
					"type":        "string",
					"description": "Description of the lost item",
				},
				"contact_phone": map[string]any{
					"type":        "string",
					"description": "Phone number to reach the caller about the item",
				},
			},
			"required": []string{"caller_name", "route_name", "item_description", "contact_phone"},
		},
		Handler: r.handleReportLostItem,
	})
}

func (r *Registry) handleReportLostItem(ctx context.Context, args map[string]any) (Result, error) {
	report := reports.Report{
		CallID:          CallIDFromContext(ctx),
		CallerName:      stringArg(args, "caller_name"),
		RouteName:       stringArg(args, "route_name"),
		ItemDescription: stringArg(args, "item_description"),
		ContactPhone:    stringArg(args, "contact_phone"),
		CreatedAt:       time.Now(),
	}

	ref, err := r.fileReport(ctx, report)
	if err != nil {
		return Result{}, err
	}

	r.logger.Info("lost item report filed",
		"reference", ref,
		"call_id", report.CallID,
		"route", report.RouteName,
	)

	return jsonResult(lostItemResult{
		Success:         true,
		ReferenceNumber: ref,
		Message:         "Lost item report created. Reference: " + ref,
		Details: map[string]any{
			"caller_name":      report.CallerName,
			"route_name":       report.RouteName,
			"item_description": report.ItemDescription,
			"contact_phone":    report.ContactPhone,
		},
	})
}

// fileReport assigns a reference and persists the report, drawing a
// fresh reference on collision.
func (r *Registry) fileReport(ctx context.Context, report reports.Report) (string, error) {
	for attempt := 1; attempt <= maxReferenceAttempts; attempt++ {
		ref, err := r.newReference()
		if err != nil {
			return "", err
		}
		report.Reference = ref

		if r.reports == nil {
			return ref, nil
		}
		err = r.reports.Create(ctx, report)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, reports.ErrDuplicateReference) {
			return "", fmt.Errorf("save report: %w", err)
		}
		r.logger.Debug("reference collision, retrying", "reference", ref, "attempt", attempt)
	}
	return "", fmt.Errorf("save report: no free reference after %d attempts", maxReferenceAttempts)
}
