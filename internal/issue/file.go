package issue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/orchestra/internal/workflow"
)

var fileIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileSource reads <dir>/<id>.yaml, .yml or .json.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

type fileIssue struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Body        string `yaml:"body"`
	Status      string `yaml:"status"`
}

func (s *FileSource) Fetch(_ context.Context, id string) (workflow.Issue, error) {
	if !fileIDRe.MatchString(id) {
		return workflow.Issue{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(s.dir, id+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return workflow.Issue{}, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
		}
		var fi fileIssue
		if err := yaml.Unmarshal(data, &fi); err != nil {
			return workflow.Issue{}, fmt.Errorf("%w: parse %s: %v", ErrUnavailable, path, err)
		}
		desc := fi.Description
		if desc == "" {
			desc = fi.Body
		}
		status := fi.Status
		if status == "" {
			status = "open"
		}
		return workflow.Issue{ID: id, Title: fi.Title, Description: desc, Status: status}, nil
	}
	return workflow.Issue{}, fmt.Errorf("%w: no file for issue %s in %s", ErrUnavailable, id, s.dir)
}
