package message

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
)

// ResourceReportType distinguishes the kinds of resource report.
type ResourceReportType string

const (
	ResourceUpdate         ResourceReportType = "UPDATE"
	ResourceDelete         ResourceReportType = "DELETE"
	ResourceReconciliation ResourceReportType = "RECONCILIATION"
)

// Resource describes one request-handler endpoint a device exposes.
type Resource struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
	Status  string   `json:"status,omitempty"`
}

// ReconciliationMark hashes the sorted resource paths so the server can
// detect drift between its view of a device's resources and the device's.
func ReconciliationMark(resources []Resource) string {
	paths := make([]string, 0, len(resources))
	for _, r := range resources {
		paths = append(paths, r.Path)
	}
	sort.Strings(paths)
	h := md5.New()
	for _, p := range paths {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildResourcesReport creates the RESOURCES_REPORT message that announces
// the device's request-handler endpoints after activation.
func BuildResourcesReport(source, endpointID string, reportType ResourceReportType, resources []Resource) Message {
	items := make([]any, 0, len(resources))
	for _, r := range resources {
		items = append(items, map[string]any{
			"name":    r.Name,
			"path":    r.Path,
			"methods": r.Methods,
			"status":  "ADDED",
		})
	}
	return NewBuilder().
		Source(source).
		Priority(PriorityHighest).
		Type(TypeResourcesReport).
		Payload(map[string]any{
			"type":               string(reportType),
			"endpointName":       endpointID,
			"resources":          items,
			"reconciliationMark": ReconciliationMark(resources),
		}).
		Build()
}
