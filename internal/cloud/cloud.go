// Package cloud defines the shared enumerations of the platform: cloud
// providers, rule severities, job statuses and scan types. All other
// packages treat these as closed sets.
package cloud

import (
	"fmt"
	"strings"
)

// Cloud identifies a scannable cloud provider.
type Cloud string

const (
	AWS        Cloud = "AWS"
	Azure      Cloud = "AZURE"
	Google     Cloud = "GOOGLE"
	Kubernetes Cloud = "KUBERNETES"
)

// All lists every supported cloud.
func All() []Cloud {
	return []Cloud{AWS, Azure, Google, Kubernetes}
}

// ParseCloud normalizes a cloud name.
func ParseCloud(s string) (Cloud, error) {
	switch Cloud(strings.ToUpper(strings.TrimSpace(s))) {
	case AWS:
		return AWS, nil
	case Azure:
		return Azure, nil
	case Google:
		return Google, nil
	case Kubernetes:
		return Kubernetes, nil
	}
	return "", fmt.Errorf("unknown cloud: %q", s)
}

// Severity is a rule severity level.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
	SeverityUnknown  Severity = "UNKNOWN"
)

// ParseSeverity returns the severity for s, defaulting to UNKNOWN.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityInfo:
		return SeverityInfo
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityUnknown
	}
}

// Normalize maps UNKNOWN to MEDIUM for outbound SIEM payloads; every other
// severity passes through.
func (s Severity) Normalize() Severity {
	if s == SeverityUnknown || s == "" {
		return SeverityMedium
	}
	return s
}

// Severities lists severities from least to most severe, UNKNOWN last.
func Severities() []Severity {
	return []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeverityUnknown}
}

// JobStatus is one state of the job lifecycle.
type JobStatus string

const (
	JobSubmitted JobStatus = "SUBMITTED"
	JobPending   JobStatus = "PENDING"
	JobRunnable  JobStatus = "RUNNABLE"
	JobStarting  JobStatus = "STARTING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

var statusRank = map[JobStatus]int{
	JobSubmitted: 0,
	JobPending:   1,
	JobRunnable:  2,
	JobStarting:  3,
	JobRunning:   4,
	JobSucceeded: 5,
	JobFailed:    5,
}

// Rank returns the monotonic rank of a status; transitions may never move
// to a lower rank. Unknown statuses rank below SUBMITTED.
func (s JobStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// ScanType distinguishes user-submitted scans from event-driven ones.
type ScanType string

const (
	ScanManual   ScanType = "MANUAL"
	ScanReactive ScanType = "REACTIVE"
)

// Multiregion is the synthetic region used for resources that are not bound
// to a single region (multi-region trails, global rules).
const Multiregion = "multiregion"
