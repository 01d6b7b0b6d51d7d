package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

const indexRoot = "indexes"

// Remote index layout:
//
//	indexes/<name>/manifest.json
//	indexes/<name>/versions/<version>/<file>
func IndexManifestKey(name string) (string, error) {
	if err := validatePathComponent(name, "index name"); err != nil {
		return "", err
	}
	return path.Join(indexRoot, name, "manifest.json"), nil
}

func IndexVersionsPrefix(name string) (string, error) {
	if err := validatePathComponent(name, "index name"); err != nil {
		return "", err
	}
	return path.Join(indexRoot, name, "versions") + "/", nil
}

func IndexFileKey(name, version, file string) (string, error) {
	prefix, err := IndexVersionsPrefix(name)
	if err != nil {
		return "", err
	}
	if err := validatePathComponent(version, "index version"); err != nil {
		return "", err
	}
	if err := validatePathComponent(file, "index file"); err != nil {
		return "", err
	}
	return path.Join(prefix, version, file), nil
}

// VersionFromKey extracts <version> from a key under IndexVersionsPrefix(name).
func VersionFromKey(name, key string) (string, bool) {
	prefix, err := IndexVersionsPrefix(name)
	if err != nil || !strings.HasPrefix(key, prefix) {
		return "", false
	}
	version, _, found := strings.Cut(strings.TrimPrefix(key, prefix), "/")
	if !found || version == "" {
		return "", false
	}
	return version, true
}

// NewIndexVersion returns a version id that sorts by creation time.
func NewIndexVersion(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
