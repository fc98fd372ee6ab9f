package store

// recognizedTypes is the ingest whitelist. Events whose type is not listed
// here are dropped before they reach the store.
var recognizedTypes = map[string]struct{}{
	"WatchEvent":                    {},
	"PullRequestEvent":              {},
	"IssuesEvent":                   {},
	"PushEvent":                     {},
	"ForkEvent":                     {},
	"CreateEvent":                   {},
	"DeleteEvent":                   {},
	"ReleaseEvent":                  {},
	"CommitCommentEvent":            {},
	"IssueCommentEvent":             {},
	"PullRequestReviewEvent":        {},
	"PullRequestReviewCommentEvent": {},
	"PublicEvent":                   {},
	"MemberEvent":                   {},
	"GollumEvent":                   {},
	"DeploymentEvent":               {},
	"DeploymentStatusEvent":         {},
	"StatusEvent":                   {},
	"CheckRunEvent":                 {},
	"CheckSuiteEvent":               {},
}

// Recognized reports whether an event type passes the ingest whitelist.
func Recognized(eventType string) bool {
	_, ok := recognizedTypes[eventType]
	return ok
}
