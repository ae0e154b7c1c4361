package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool", "kind"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total calls of unregistered tools",
		RequiredTags: []string{"tool"},
	}

	StatsObjectsDownloaded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_objects_downloaded",
		Help:         "stats_objects_downloaded provides total objects downloaded from storage",
		RequiredTags: []string{"status"},
	}

	StatsBytesDownloaded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_bytes_downloaded",
		Help:         "stats_bytes_downloaded provides total bytes downloaded from storage",
		RequiredTags: []string{"store"},
	}

	StatsBytesUploaded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_bytes_uploaded",
		Help:         "stats_bytes_uploaded provides total bytes of archives uploaded to storage",
		RequiredTags: []string{"store"},
	}

	StatsStorageRetries = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_storage_retries",
		Help:         "stats_storage_retries provides total retried storage operations",
		RequiredTags: []string{"op"},
	}

	StatsSimulationRuns = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_simulation_runs",
		Help:         "stats_simulation_runs provides total simulation runs by outcome",
		RequiredTags: []string{"status"},
	}
)

// Perf
var (
	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfObjectDownload = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_object_download",
		Help:         "perf_object_download provides duration of a single object download",
		RequiredTags: []string{"store"},
	}

	PerfArchiveUpload = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_archive_upload",
		Help:         "perf_archive_upload provides duration of archive and upload",
		RequiredTags: []string{"store"},
	}

	PerfSimulationRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_simulation_run",
		Help:         "perf_simulation_run provides duration of the simulation engine run",
		RequiredTags: []string{"mode"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfArchiveUpload,
	&PerfObjectDownload,
	&PerfSimulationRun,
	&PerfToolCall,
	&StatsBytesDownloaded,
	&StatsBytesUploaded,
	&StatsObjectsDownloaded,
	&StatsSimulationRuns,
	&StatsStorageRetries,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
}
