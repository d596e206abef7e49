package jobs

import "exportstudio/internal/store"

// Patterns the external AI tool accepts, per job type.
var (
	conversationPatterns = []string{
		"extract_wisdom",
		"summarize",
		"analyze_debate",
		"rate_content",
		"create_report_finding",
	}
	projectPatterns = []string{
		"summarize",
		"extract_wisdom",
		"analyze_paper",
	}
)

// ValidPattern reports whether pattern is allowed for the given job type.
func ValidPattern(jobType, pattern string) bool {
	var allowed []string
	switch jobType {
	case store.JobTypeConversation:
		allowed = conversationPatterns
	case store.JobTypeProject:
		allowed = projectPatterns
	default:
		return false
	}
	for _, p := range allowed {
		if p == pattern {
			return true
		}
	}
	return false
}

// PatternsFor lists the allowed patterns for a job type.
func PatternsFor(jobType string) []string {
	switch jobType {
	case store.JobTypeConversation:
		return conversationPatterns
	case store.JobTypeProject:
		return projectPatterns
	default:
		return nil
	}
}
