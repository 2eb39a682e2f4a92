package analysis

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidRepository is returned when a repository reference cannot be analyzed.
var ErrInvalidRepository = errors.New("invalid repository reference")

var (
	allowedSchemes = map[string]bool{"https": true, "http": true, "ssh": true, "git": true, "file": true}
	scpLikeURL     = regexp.MustCompile(`^[A-Za-z]\w*@[A-Za-z0-9][\w.-]*:`)
)

// RepositoryRef identifies the repository a job analyzes.
type RepositoryRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Validate checks that the reference names a fetchable repository.
func (r RepositoryRef) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidRepository)
	}

	if scpLikeURL.MatchString(r.URL) || filepath.IsAbs(r.URL) {
		return nil
	}

	parsed, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRepository, err)
	}

	if !allowedSchemes[parsed.Scheme] {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRepository, parsed.Scheme)
	}

	if parsed.Scheme != "file" && parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidRepository)
	}

	return nil
}

// DisplayName returns the ID when set, otherwise the last path element of the URL.
func (r RepositoryRef) DisplayName() string {
	if r.ID != "" {
		return r.ID
	}

	name := strings.TrimSuffix(strings.TrimRight(r.URL, "/"), ".git")
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}

	return name
}
