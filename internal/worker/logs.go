package worker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoLogs is returned by TailLog when a worker never wrote a log file.
var ErrNoLogs = errors.New("no logs for worker")

// LogPath is the log file of worker id inside dir.
func LogPath(dir, id string) string {
	return filepath.Join(dir, id+".log")
}

// TailLog returns the last n lines of worker id's log file.
func TailLog(dir, id string, n int) ([]string, error) {
	if n <= 0 {
		n = 50
	}
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid worker id %q", id)
	}
	f, err := os.Open(LogPath(dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoLogs, id)
	}
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	defer f.Close()

	ring := make([]string, n)
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read worker log: %w", err)
	}

	if count <= n {
		return ring[:count], nil
	}
	start := count % n
	return append(ring[start:], ring[:start]...), nil
}
