package artifact

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/certdeliver/internal/certutil"
)

// debounceInterval coalesces the write/rename event bursts that a packaging
// run produces into a single log entry.
const debounceInterval = 500 * time.Millisecond

// Watcher observes the targets directory and logs when a new artifact
// lands, including the bundled certificate's expiry so operators can spot a
// renewal that packaged a stale certificate.
type Watcher struct {
	store *Store
	log   *logrus.Entry
}

func NewWatcher(logger *logrus.Logger, store *Store) *Watcher {
	return &Watcher{
		store: store,
		log:   logger.WithField("component", "artifact_watcher"),
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.store.Dir()); err != nil {
		return err
	}

	debounce := time.NewTimer(debounceInterval)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".zip") {
				continue
			}
			debounce.Reset(debounceInterval)

		case <-debounce.C:
			w.report()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Watcher error")

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) report() {
	art, err := w.store.Locate()
	if err != nil {
		w.log.WithError(err).Warn("Artifact changed but could not be located")
		return
	}

	fields := logrus.Fields{
		"artifact":  filepath.Base(art.Path),
		"name":      art.Name,
		"timestamp": art.Timestamp,
	}

	if expiry, err := certutil.ZipCertExpiry(art.Path); err == nil {
		fields["cert_expires"] = expiry.Format(time.RFC3339)
		if time.Until(expiry) < 14*24*time.Hour {
			w.log.WithFields(fields).Warn("New artifact certificate expires soon")
			return
		}
	}

	w.log.WithFields(fields).Info("New artifact available")
}
