package transport

import (
	"io"

	"github.com/dd0wney/cluso-mq/pkg/logging"
)

// resourceCleanup closes registered resources in reverse order unless
// cleared; it unwinds partially built listeners.
type resourceCleanup struct {
	logger    logging.Logger
	resources []namedCloser
}

type namedCloser struct {
	closer io.Closer
	name   string
}

func newResourceCleanup(logger logging.Logger) *resourceCleanup {
	return &resourceCleanup{logger: logger}
}

func (rc *resourceCleanup) add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

func (rc *resourceCleanup) cleanup() {
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if err := r.closer.Close(); err != nil {
			rc.logger.Warn("failed to close during cleanup", logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
}

func (rc *resourceCleanup) clear() {
	rc.resources = rc.resources[:0]
}

// closerFunc adapts a function to io.Closer
type closerFunc func() error

func (f closerFunc) Close() error { return f() }
