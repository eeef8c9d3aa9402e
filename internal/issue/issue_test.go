package issue

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/orchestra/internal/config"
)

func TestInline(t *testing.T) {
	iss, err := Inline{}.Fetch(context.Background(), "Add rate limiting\nto the public API")
	require.NoError(t, err)
	assert.Equal(t, "Add rate limiting", iss.Title)
	assert.Equal(t, "Add rate limiting\nto the public API", iss.Description)

	_, err = Inline{}.Fetch(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AUTH-1.yaml"),
		[]byte("title: Add auth\ndescription: |\n  Users must log in.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AUTH-2.json"),
		[]byte(`{"title":"Add logout","body":"Users can leave.","status":"closed"}`), 0o644))
	src := NewFileSource(dir)

	iss, err := src.Fetch(context.Background(), "AUTH-1")
	require.NoError(t, err)
	assert.Equal(t, "Add auth", iss.Title)
	assert.Equal(t, "Users must log in.\n", iss.Description)
	assert.Equal(t, "open", iss.Status)

	iss, err = src.Fetch(context.Background(), "AUTH-2")
	require.NoError(t, err)
	assert.Equal(t, "Users can leave.", iss.Description)
	assert.Equal(t, "closed", iss.Status)

	_, err = src.Fetch(context.Background(), "AUTH-3")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = src.Fetch(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func newTestGitHub(t *testing.T, handler http.HandlerFunc, repo string) *GitHubSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = u
	return NewGitHubSourceWithClient(client, repo)
}

func TestGitHubSourceFetch(t *testing.T) {
	src := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/api/issues/42":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"number":42,"title":"Add auth","body":"## Acceptance Criteria\n- tokens expire","state":"open"}`)
		default:
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		}
	}, "acme/api")

	iss, err := src.Fetch(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "acme/api#42", iss.ID)
	assert.Equal(t, "Add auth", iss.Title)
	assert.Equal(t, "open", iss.Status)
	assert.Equal(t, "- tokens expire", iss.AcceptanceCriteria())

	iss, err = src.Fetch(context.Background(), "acme/api#42")
	require.NoError(t, err)
	assert.Equal(t, "Add auth", iss.Title)

	_, err = src.Fetch(context.Background(), "acme/api#7")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGitHubSourceParseID(t *testing.T) {
	src := NewGitHubSourceWithClient(github.NewClient(nil), "")

	owner, repo, n, err := src.ParseID("octo/hello.world#12")
	require.NoError(t, err)
	assert.Equal(t, "octo", owner)
	assert.Equal(t, "hello.world", repo)
	assert.Equal(t, 12, n)

	for _, id := range []string{"12", "octo/hello#0", "octo/hello#-1", "octo#1", "abc", ""} {
		_, _, _, err := src.ParseID(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestNew(t *testing.T) {
	src, err := New(config.IssuesConfig{})
	require.NoError(t, err)
	assert.IsType(t, Inline{}, src)

	_, err = New(config.IssuesConfig{Source: config.IssueSourceFile})
	assert.Error(t, err)

	src, err = New(config.IssuesConfig{Source: config.IssueSourceGitHub, GitHub: config.GitHubConfig{
		Repo: "acme/api", BaseURL: "https://ghe.example.com/",
	}})
	require.NoError(t, err)
	assert.IsType(t, &GitHubSource{}, src)

	_, err = New(config.IssuesConfig{Source: "jira"})
	assert.Error(t, err)
}
