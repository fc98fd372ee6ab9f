package commits_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparesparrow/github-events/internal/commits"
	"github.com/sparesparrow/github-events/internal/store"
)

var created = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func pushEvent(id, payload string) store.Event {
	return store.Event{
		ID:        id,
		Type:      "PushEvent",
		RepoName:  "o/r",
		CreatedAt: created,
		Payload:   json.RawMessage(payload),
	}
}

func TestFromEventsExtractsCommits(t *testing.T) {
	events := []store.Event{
		pushEvent("1", `{"commits":[
			{"sha":"aaa111","message":"fix build","author":{"name":"alice"}},
			{"sha":"bbb222","message":"add retries","author":{"name":"bob"}}
		]}`),
	}

	out := commits.FromEvents(events)
	require.Len(t, out, 2)

	assert.Equal(t, store.Commit{
		SHA:         "aaa111",
		EventID:     "1",
		RepoName:    "o/r",
		AuthorName:  "alice",
		Message:     "fix build",
		CommittedAt: created,
	}, out[0])
	assert.Equal(t, "bbb222", out[1].SHA)
}

func TestFromEventsIgnoresNonPushEvents(t *testing.T) {
	events := []store.Event{
		{ID: "1", Type: "WatchEvent", Payload: json.RawMessage(`{"commits":[{"sha":"aaa"}]}`)},
		{ID: "2", Type: "PullRequestEvent", Payload: json.RawMessage(`{"action":"opened"}`)},
	}
	assert.Empty(t, commits.FromEvents(events))
}

func TestFromEventsSkipsMalformedPayloads(t *testing.T) {
	events := []store.Event{
		pushEvent("1", `not json`),
		pushEvent("2", `{"commits":[{"sha":"","message":"no sha"}]}`),
		pushEvent("3", `{"commits":[{"sha":"ccc333","message":"ok"}]}`),
	}

	out := commits.FromEvents(events)
	require.Len(t, out, 1)
	assert.Equal(t, "ccc333", out[0].SHA)
}

func TestFromEventsEmptyBatch(t *testing.T) {
	assert.Empty(t, commits.FromEvents(nil))
}
