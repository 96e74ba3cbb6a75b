package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts all HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberof_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memberof_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// DirectoryLookupsTotal counts lookups against the directory backend.
	DirectoryLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberof_directory_lookups_total",
		Help: "Total number of directory lookups",
	}, []string{"backend", "operation", "status"})

	// DirectoryLookupErrorsTotal counts failed directory lookups.
	DirectoryLookupErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberof_directory_lookup_errors_total",
		Help: "Total number of directory lookup errors",
	}, []string{"backend", "operation"})

	// ResolutionsTotal counts membership resolutions by mode and outcome.
	// Outcome is one of complete, partial, error.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberof_resolutions_total",
		Help: "Total number of membership resolutions",
	}, []string{"mode", "outcome"})

	// ResolutionDuration observes end-to-end resolution latency.
	ResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memberof_resolution_duration_seconds",
		Help:    "Membership resolution duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// GroupsPerResolution observes the size of resolved sets.
	GroupsPerResolution = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memberof_groups_per_resolution",
		Help:    "Number of groups in a resolved set",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// VaultRequestsTotal counts Vault API requests.
	VaultRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberof_vault_requests_total",
		Help: "Total number of Vault API requests",
	}, []string{"operation", "status"})

	// VaultErrorsTotal counts Vault API errors.
	VaultErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memberof_vault_errors_total",
		Help: "Total number of Vault API errors",
	}, []string{"operation"})
)
