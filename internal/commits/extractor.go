// Package commits extracts commit records from PushEvent payloads. The
// extraction is feature-flagged and defaults off; nothing in the analytics
// surface depends on it.
package commits

import (
	"encoding/json"

	"github.com/sparesparrow/github-events/internal/store"
)

// pushPayload is the subset of the PushEvent payload extraction reads.
type pushPayload struct {
	Commits []struct {
		SHA     string `json:"sha"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"commits"`
}

// FromEvents unpacks commits from the PushEvents in a batch. Commits inherit
// the originating event's creation instant; the upstream payload carries no
// per-commit timestamp. Malformed payloads are skipped.
func FromEvents(events []store.Event) []store.Commit {
	var out []store.Commit
	for _, ev := range events {
		if ev.Type != "PushEvent" || len(ev.Payload) == 0 {
			continue
		}
		var p pushPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		for _, c := range p.Commits {
			if c.SHA == "" {
				continue
			}
			out = append(out, store.Commit{
				SHA:         c.SHA,
				EventID:     ev.ID,
				RepoName:    ev.RepoName,
				AuthorName:  c.Author.Name,
				Message:     c.Message,
				CommittedAt: ev.CreatedAt,
			})
		}
	}
	return out
}
