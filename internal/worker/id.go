package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a worker id unique across hosts and restarts:
// <host>-<pid>-<n>-<suffix>.
func NewID(n int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host = strings.ReplaceAll(strings.Split(host, ".")[0], "-", "_")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), n, suffix)
}
