package regimen

import (
	"fmt"
	"strings"
)

// Analyze scans the active set for duplicate names and polypharmacy.
// Dosage ranges and contraindications are not checked, and Interactions is
// always empty until a drug-interaction source is integrated.
func Analyze(active []EvaluatedPrescription) SafetyReport {
	report := SafetyReport{
		Interactions: []Interaction{},
		Warnings:     []Warning{},
	}

	if dups := duplicateNames(active); len(dups) > 0 {
		report.Warnings = append(report.Warnings, Warning{
			Type:        WarningDuplicate,
			Severity:    SeverityMedium,
			Message:     "Duplicate medications detected: " + strings.Join(dups, ", "),
			Medications: dups,
		})
	}

	if len(active) >= PolypharmacyThreshold {
		report.Warnings = append(report.Warnings, Warning{
			Type:     WarningPolypharmacy,
			Severity: SeverityLow,
			Message:  fmt.Sprintf("Patient is taking %d medications concurrently", len(active)),
			Count:    len(active),
		})
	}

	return report
}

// duplicateNames returns, in order of first appearance, the first spelling of
// every name that occurs more than once ignoring case.
func duplicateNames(active []EvaluatedPrescription) []string {
	counts := make(map[string]int, len(active))
	first := make(map[string]string, len(active))
	var order []string

	for _, med := range active {
		key := NameKey(med.MedicationName)
		if key == "" {
			continue
		}
		if _, seen := first[key]; !seen {
			first[key] = med.MedicationName
			order = append(order, key)
		}
		counts[key]++
	}

	var dups []string
	for _, key := range order {
		if counts[key] > 1 {
			dups = append(dups, first[key])
		}
	}
	return dups
}
