// Package artifact locates and names packaged certificate bundles. An
// artifact filename has the form {name}_{unix_timestamp}.zip; the targets
// directory is expected to hold exactly one artifact at a time.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound      = errors.New("no artifact file found")
	ErrInvalidFormat = errors.New("invalid artifact filename format")
)

// timestampSkew bounds how far in the future a parsed timestamp may lie
// before it is rejected as malformed.
const timestampSkew = 24 * time.Hour

// Artifact is a located certificate bundle.
type Artifact struct {
	Name      string
	Timestamp int64
	Path      string
}

// Filename returns the canonical artifact filename.
func (a Artifact) Filename() string {
	return fmt.Sprintf("%s_%d.zip", a.Name, a.Timestamp)
}

type Store struct {
	dir string
	log *logrus.Entry
}

func NewStore(logger *logrus.Logger, dir string) *Store {
	return &Store{
		dir: dir,
		log: logger.WithField("component", "artifact_store"),
	}
}

func (s *Store) Dir() string {
	return s.dir
}

// Locate finds the current artifact in the targets directory. With more
// than one candidate it picks the newest by modification time and logs a
// configuration warning rather than failing the request.
func (s *Store) Locate() (Artifact, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.zip"))
	if err != nil {
		return Artifact{}, fmt.Errorf("list artifacts in %s: %w", s.dir, err)
	}
	if len(matches) == 0 {
		return Artifact{}, ErrNotFound
	}

	path := matches[0]
	if len(matches) > 1 {
		s.log.WithFields(logrus.Fields{
			"dir":   s.dir,
			"count": len(matches),
		}).Warn("Multiple artifact files found, using newest")

		var newest time.Time
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if info.ModTime().After(newest) {
				newest = info.ModTime()
				path = m
			}
		}
	}

	name, ts, err := Parse(filepath.Base(path))
	if err != nil {
		return Artifact{Path: path}, err
	}
	return Artifact{Name: name, Timestamp: ts, Path: path}, nil
}

// Parse splits an artifact filename into its logical name and unix
// timestamp. The split happens on the last underscore before the .zip
// extension; the timestamp must be a positive integer no further than a
// day into the future.
func Parse(filename string) (string, int64, error) {
	base := strings.TrimSuffix(filename, ".zip")
	idx := strings.LastIndex(base, "_")
	if idx <= 0 || idx == len(base)-1 {
		return "", 0, fmt.Errorf("%w: %s", ErrInvalidFormat, filename)
	}

	name := base[:idx]
	ts, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrInvalidFormat, filename)
	}
	if ts <= 0 || ts > time.Now().Add(timestampSkew).Unix() {
		return "", 0, fmt.Errorf("%w: timestamp out of range in %s", ErrInvalidFormat, filename)
	}

	return name, ts, nil
}
