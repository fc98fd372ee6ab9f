package github_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparesparrow/github-events/internal/github"
)

const eventsBody = `[
  {
    "id": "101",
    "type": "WatchEvent",
    "actor": {"login": "alice"},
    "repo": {"name": "o/r"},
    "payload": {"action": "started"},
    "created_at": "2025-01-01T00:00:00Z"
  },
  {
    "id": "102",
    "type": "PullRequestEvent",
    "actor": {"login": "bob"},
    "repo": {"name": "o/r"},
    "payload": {"action": "opened"},
    "created_at": "2025-01-01T00:01:00Z"
  }
]`

func newClient(t *testing.T, handler http.HandlerFunc) github.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return github.NewClient("secret-token", github.WithBaseURL(srv.URL))
}

func TestFetchGlobalDecodesEventsAndHeaders(t *testing.T) {
	var gotPath, gotUA, gotAuth string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("ETag", `W/"X"`)
		w.Header().Set("X-Poll-Interval", "60")
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Reset", "1735689600")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(eventsBody))
	})

	res, err := client.FetchGlobal(context.Background(), "", 100)
	require.NoError(t, err)

	assert.Equal(t, "/events", gotPath)
	assert.NotEmpty(t, gotUA)
	assert.Equal(t, "token secret-token", gotAuth)

	assert.True(t, res.Modified)
	assert.Equal(t, `W/"X"`, res.ETag)
	assert.Equal(t, 60*time.Second, res.PollInterval)
	assert.Equal(t, 42, res.RateRemaining)
	assert.Equal(t, time.Unix(1735689600, 0).UTC(), res.RateReset)

	require.Len(t, res.Events, 2)
	assert.Equal(t, "101", res.Events[0].ID)
	assert.Equal(t, "WatchEvent", res.Events[0].Type)
	assert.Equal(t, "o/r", res.Events[0].Repo.Name)
	assert.Equal(t, "alice", res.Events[0].Actor.Login)
	assert.JSONEq(t, `{"action":"started"}`, string(res.Events[0].Payload))
}

func TestFetchRepoPath(t *testing.T) {
	var gotPath string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("[]"))
	})

	_, err := client.FetchRepo(context.Background(), "o/r", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "/repos/o/r/events", gotPath)
}

func TestFetchNotModifiedPreservesETag(t *testing.T) {
	var gotIfNoneMatch string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	})

	res, err := client.FetchGlobal(context.Background(), `W/"X"`, 100)
	require.NoError(t, err)

	assert.Equal(t, `W/"X"`, gotIfNoneMatch)
	assert.False(t, res.Modified)
	assert.Empty(t, res.Events)
	assert.Equal(t, `W/"X"`, res.ETag)
}

func TestFetchThrottledUsesRetryAfter(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.FetchGlobal(context.Background(), "", 100)
	var throttled *github.ThrottledError
	require.True(t, errors.As(err, &throttled))
	assert.Equal(t, 10*time.Second, throttled.RetryAfter)
}

func TestFetchForbiddenWithExhaustedBudgetIsThrottled(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.FetchGlobal(context.Background(), "", 100)
	var throttled *github.ThrottledError
	require.True(t, errors.As(err, &throttled))
	assert.Greater(t, throttled.RetryAfter, time.Duration(0))
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.FetchGlobal(context.Background(), "", 100)
	var transient *github.TransientError
	assert.True(t, errors.As(err, &transient))
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	_, err := client.FetchGlobal(context.Background(), "", 100)
	var permanent *github.PermanentError
	require.True(t, errors.As(err, &permanent))
	assert.Equal(t, http.StatusUnprocessableEntity, permanent.Code)
}

func TestFetchUnauthorizedIsAuthError(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.FetchGlobal(context.Background(), "", 100)
	var auth *github.AuthError
	assert.True(t, errors.As(err, &auth))
}

func TestFetchTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	client := github.NewClient("", github.WithBaseURL(srv.URL))
	_, err := client.FetchGlobal(context.Background(), "", 100)
	var transient *github.TransientError
	assert.True(t, errors.As(err, &transient))
}

func TestFetchSendsPerPage(t *testing.T) {
	var gotPerPage string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPerPage = r.URL.Query().Get("per_page")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("[]"))
	})

	_, err := client.FetchGlobal(context.Background(), "", 25)
	require.NoError(t, err)
	assert.Equal(t, "25", gotPerPage)
}
