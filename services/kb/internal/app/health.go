package app

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"

	healthCheckTimeout = 3 * time.Second
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type CheckStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type HealthReport struct {
	Timestamp time.Time              `json:"timestamp"`
	Status    string                 `json:"status"`
	Checks    map[string]CheckStatus `json:"checks"`
}

// Healthy reports whether every check passed.
func (r HealthReport) Healthy() bool { return r.Status == statusHealthy }

// Health pings the database and every extra dependency check. Any failure
// degrades the report.
func (a *App) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Timestamp: a.clock(),
		Status:    statusHealthy,
		Checks: map[string]CheckStatus{
			"api": {Status: statusHealthy, Message: "API is responsive"},
		},
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		report.Checks["database"] = CheckStatus{Status: statusUnhealthy, Message: "Database connection failed: " + err.Error()}
		report.Status = statusDegraded
	} else {
		report.Checks["database"] = CheckStatus{Status: statusHealthy, Message: "Database connection successful"}
	}

	names := make([]string, 0, len(a.checks))
	for name := range a.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.checks[name](ctx); err != nil {
			report.Checks[name] = CheckStatus{Status: statusUnhealthy, Message: fmt.Sprintf("%s check failed: %v", name, err)}
			report.Status = statusDegraded
			continue
		}
		report.Checks[name] = CheckStatus{Status: statusHealthy, Message: name + " reachable"}
	}
	return report
}

type ApplicationInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

type countMetric struct {
	Total       int64  `json:"total"`
	Description string `json:"description"`
}

type fileMetric struct {
	Total          int64  `json:"total"`
	TotalStorage   int64  `json:"totalStorage"`
	TotalStorageMB string `json:"totalStorageMB"`
	Description    string `json:"description"`
}

type ServiceMetrics struct {
	Users          countMetric `json:"users"`
	KnowledgeBases countMetric `json:"knowledgeBases"`
	Files          fileMetric  `json:"files"`
	Queries        countMetric `json:"queries"`
}

type LimitsReport struct {
	KnowledgeBasesPerUser int   `json:"knowledgeBasesPerUser"`
	FilesPerKnowledgeBase int   `json:"filesPerKnowledgeBase"`
	FileSizeMB            int64 `json:"fileSizeMB"`
	DailyQueriesPerUser   int   `json:"dailyQueriesPerUser"`
	TotalStoragePerUserMB int64 `json:"totalStoragePerUserMB"`
	PDFPages              int   `json:"pdfPages"`
}

// MetricsReport is the coarse JSON summary served next to the Prometheus
// exposition.
type MetricsReport struct {
	Timestamp   time.Time       `json:"timestamp"`
	Application ApplicationInfo `json:"application"`
	Metrics     ServiceMetrics  `json:"metrics"`
	Limits      LimitsReport    `json:"limits"`
}

func (a *App) Metrics(ctx context.Context) (MetricsReport, error) {
	totals, err := a.store.Totals(ctx)
	if err != nil {
		return MetricsReport{}, failed("Failed to fetch metrics", err)
	}
	limits := a.quota.Limits()
	return MetricsReport{
		Timestamp: a.clock(),
		Application: ApplicationInfo{
			Name:        a.info.Name,
			Version:     a.info.Version,
			Environment: a.info.Environment,
		},
		Metrics: ServiceMetrics{
			Users:          countMetric{Total: totals.Users, Description: "Total registered users"},
			KnowledgeBases: countMetric{Total: totals.KnowledgeBases, Description: "Total knowledge bases created"},
			Files: fileMetric{
				Total:          totals.Files,
				TotalStorage:   totals.StorageBytes,
				TotalStorageMB: fmt.Sprintf("%.2f", float64(totals.StorageBytes)/(1024*1024)),
				Description:    "Total files uploaded and storage used",
			},
			Queries: countMetric{Total: totals.Queries, Description: "Total AI queries processed"},
		},
		Limits: LimitsReport{
			KnowledgeBasesPerUser: limits.KnowledgeBasesPerUser,
			FilesPerKnowledgeBase: limits.FilesPerKnowledgeBase,
			FileSizeMB:            limits.MaxFileSizeMB(),
			DailyQueriesPerUser:   limits.DailyQueries,
			TotalStoragePerUserMB: limits.MaxStorageMB(),
			PDFPages:              limits.MaxPDFPages,
		},
	}, nil
}
