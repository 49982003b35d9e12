// Package enrich builds the structured guidance attached to alert
// instances. Strategies are keyed by kpi_type so product teams can add
// categories without touching the engine.
package enrich

import (
	"fmt"

	"github.com/proppulse/backend/internal/evaluator"
	"github.com/proppulse/backend/internal/models"
)

// TriggerData is the structured enrichment persisted on an alert instance.
type TriggerData struct {
	Description     string   `json:"description"`
	Category        string   `json:"category"`
	Impact          string   `json:"impact"`
	Recommendation  string   `json:"recommendation"`
	EstimatedCost   float64  `json:"estimated_cost,omitempty"`
	ResolutionSteps []string `json:"resolution_steps,omitempty"`
	Priority        string   `json:"priority"` // critical, high, medium, low
	Trend           string   `json:"trend,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Strategy derives trigger data for one KPI type.
type Strategy func(update models.KPIUpdate, zone evaluator.Zone) TriggerData

var strategies = map[string]Strategy{
	"occupancy_rate":            occupancy,
	"maintenance_cost_per_unit": maintenanceCost,
	"days_to_lease":             daysToLease,
	"revenue":                   revenue,
}

// Register installs or replaces the strategy for a KPI type.
func Register(kpiType string, s Strategy) {
	strategies[kpiType] = s
}

// Build returns trigger data for the update, falling back to a generic
// strategy for unknown KPI types.
func Build(update models.KPIUpdate, zone evaluator.Zone) TriggerData {
	if s, ok := strategies[update.KPIType]; ok {
		return s(update, zone)
	}
	return generic(update, zone)
}

func priorityFor(zone evaluator.Zone) string {
	if zone == evaluator.ZoneRed {
		return "critical"
	}
	return "medium"
}

func occupancy(u models.KPIUpdate, zone evaluator.Zone) TriggerData {
	d := TriggerData{
		Description:    fmt.Sprintf("Occupancy at %.1f%% for %s", u.Value, propertyLabel(u)),
		Category:       "leasing",
		Impact:         "Vacant units directly reduce monthly revenue",
		Recommendation: "Review pricing against comparable listings and increase marketing spend",
		ResolutionSteps: []string{
			"Compare asking rents with local market comps",
			"Refresh listings with updated photos and amenities",
			"Offer move-in incentives on long-vacant units",
		},
		Priority: priorityFor(zone),
	}
	if u.Value < 80 {
		d.Priority = "critical"
		d.Impact = "Occupancy below 80% threatens debt service coverage"
	}
	return d
}

func maintenanceCost(u models.KPIUpdate, zone evaluator.Zone) TriggerData {
	d := TriggerData{
		Description:    fmt.Sprintf("Maintenance cost at $%.2f per unit for %s", u.Value, propertyLabel(u)),
		Category:       "maintenance",
		Impact:         "Elevated per-unit costs erode net operating income",
		Recommendation: "Audit recent work orders for recurring vendors and repeat repairs",
		ResolutionSteps: []string{
			"Group work orders by vendor and category for the last 90 days",
			"Re-bid contracts for the top two spend categories",
			"Schedule preventive maintenance on repeat-failure systems",
		},
		Priority:      "high",
		EstimatedCost: u.Value,
	}
	if u.Value > 200 {
		d.Impact = "Cost per unit above $200 is well over portfolio norms"
	}
	if zone == evaluator.ZoneRed {
		d.Priority = "critical"
	}
	return d
}

func daysToLease(u models.KPIUpdate, zone evaluator.Zone) TriggerData {
	d := TriggerData{
		Description:    fmt.Sprintf("Units averaging %.0f days to lease at %s", u.Value, propertyLabel(u)),
		Category:       "leasing",
		Impact:         "Slow lease-up extends vacancy loss per unit turn",
		Recommendation: "Shorten make-ready turnaround and review screening criteria",
		ResolutionSteps: []string{
			"Measure make-ready time against the 5-day target",
			"Check listing syndication across rental platforms",
		},
		Priority: "medium",
	}
	if u.Value > 25 {
		d.Priority = "high"
	}
	if zone == evaluator.ZoneRed {
		d.Priority = "critical"
	}
	return d
}

func revenue(u models.KPIUpdate, zone evaluator.Zone) TriggerData {
	d := TriggerData{
		Description:    fmt.Sprintf("Revenue at %.2f for %s", u.Value, propertyLabel(u)),
		Category:       "financial",
		Impact:         "Revenue shortfall against target affects distributions",
		Recommendation: "Reconcile delinquencies and review concession burn",
		ResolutionSteps: []string{
			"Pull the delinquency aging report",
			"Compare effective rent to budget by floor plan",
		},
		Priority: "high",
	}
	if u.TargetValue != nil && *u.TargetValue > 0 {
		pct := u.Value / *u.TargetValue * 100
		d.Description = fmt.Sprintf("Revenue at %.1f%% of target for %s", pct, propertyLabel(u))
		if pct < 90 {
			d.Impact = "Revenue below 90% of target"
		}
		if d.Extra == nil {
			d.Extra = map[string]string{}
		}
		d.Extra["target_value"] = fmt.Sprintf("%g", *u.TargetValue)
	}
	if zone == evaluator.ZoneRed {
		d.Priority = "critical"
	}
	return d
}

func generic(u models.KPIUpdate, zone evaluator.Zone) TriggerData {
	return TriggerData{
		Description:    fmt.Sprintf("%s at %g for %s", metricLabel(u), u.Value, propertyLabel(u)),
		Category:       u.Category,
		Impact:         "KPI outside its configured performance band",
		Recommendation: "Review the underlying metric and recent operational changes",
		Priority:       priorityFor(zone),
	}
}

func propertyLabel(u models.KPIUpdate) string {
	if u.PropertyName != "" {
		return u.PropertyName
	}
	if u.PropertyID != nil {
		return fmt.Sprintf("property %d", *u.PropertyID)
	}
	return "the portfolio"
}

func metricLabel(u models.KPIUpdate) string {
	if u.MetricName != "" {
		return u.MetricName
	}
	return u.KPIType
}
