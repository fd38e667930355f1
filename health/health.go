// Package health derives an aggregate health classification and alert list
// from the latest system metrics and service snapshots.
//
// Evaluate is a pure function of its inputs.
package health

import (
	"fmt"

	"opsconsole/core"
)

// Classification is the aggregate health bucket.
type Classification string

const (
	Excellent Classification = "excellent"
	Good      Classification = "good"
	Warning   Classification = "warning"
	Critical  Classification = "critical"
)

// Severity of an Alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one condition worth an operator's attention.
type Alert struct {
	Severity Severity `json:"severity"`
	Subject  string   `json:"subject"`
	Message  string   `json:"message"`
}

// Report is the full breakdown behind a classification.
type Report struct {
	Score          float64        `json:"score"`
	Classification Classification `json:"classification"`
	ServiceHealth  float64        `json:"service_health"`
	CPUPenalty     float64        `json:"cpu_penalty"`
	MemoryPenalty  float64        `json:"memory_penalty"`
	GPUPenalty     float64        `json:"gpu_penalty"`
	CriticalUp     int            `json:"critical_up"`
	CriticalTotal  int            `json:"critical_total"`
	Alerts         []Alert        `json:"alerts"`
}

const serviceWeight = 40

// Evaluate scores the appliance. The score starts at 100 and loses the
// missing share of serviceWeight plus the resource penalties; it never
// drops below 0. Critical services are those in the core category.
func Evaluate(m core.SystemMetrics, services []core.ServiceSnapshot) Report {
	r := Report{Alerts: []Alert{}}

	for _, s := range services {
		if s.Category != core.CategoryCore {
			continue
		}
		r.CriticalTotal++
		if s.Status.IsUp() {
			r.CriticalUp++
			continue
		}
		r.Alerts = append(r.Alerts, Alert{
			Severity: SeverityCritical,
			Subject:  s.Name,
			Message:  fmt.Sprintf("Critical service %s is %s", s.Name, statusText(s.Status)),
		})
	}

	r.ServiceHealth = serviceWeight
	if r.CriticalTotal > 0 {
		r.ServiceHealth = float64(r.CriticalUp) / float64(r.CriticalTotal) * serviceWeight
	}

	cpu := m.CPU.Percent
	mem := m.Memory.Percent
	gpu := m.PeakGPUUtilization()

	r.CPUPenalty = penalty(cpu, 80, 20, 60, 10)
	r.MemoryPenalty = penalty(mem, 85, 20, 70, 10)
	r.GPUPenalty = penalty(gpu, 90, 15, 75, 5)

	r.Alerts = appendResourceAlert(r.Alerts, "cpu", "CPU usage", cpu, 80, 60)
	r.Alerts = appendResourceAlert(r.Alerts, "memory", "Memory usage", mem, 85, 70)
	r.Alerts = appendResourceAlert(r.Alerts, "gpu", "GPU utilization", gpu, 90, 75)

	score := 100 - (serviceWeight - r.ServiceHealth) - r.CPUPenalty - r.MemoryPenalty - r.GPUPenalty
	if score < 0 {
		score = 0
	}
	r.Score = score
	r.Classification = Classify(score)
	return r
}

// Classify maps a score onto a classification. Bounds are inclusive.
func Classify(score float64) Classification {
	switch {
	case score >= 90:
		return Excellent
	case score >= 75:
		return Good
	case score >= 60:
		return Warning
	default:
		return Critical
	}
}

// penalty returns high when v exceeds highAt, low when it exceeds lowAt.
func penalty(v, highAt, high, lowAt, low float64) float64 {
	switch {
	case v > highAt:
		return high
	case v > lowAt:
		return low
	default:
		return 0
	}
}

func appendResourceAlert(alerts []Alert, subject, label string, v, criticalAt, warnAt float64) []Alert {
	switch {
	case v > criticalAt:
		return append(alerts, Alert{
			Severity: SeverityCritical,
			Subject:  subject,
			Message:  fmt.Sprintf("%s is critically high at %.1f%%", label, v),
		})
	case v > warnAt:
		return append(alerts, Alert{
			Severity: SeverityWarning,
			Subject:  subject,
			Message:  fmt.Sprintf("%s is elevated at %.1f%%", label, v),
		})
	default:
		return alerts
	}
}

func statusText(s core.ServiceStatus) string {
	if s == "" {
		return string(core.ServiceUnknown)
	}
	return string(s)
}
