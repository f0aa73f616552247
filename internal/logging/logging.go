package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gluk-w/shellmux/internal/config"
)

var (
	logFile *os.File
	mu      sync.Mutex
)

// Path returns the configured log file location.
func Path() string {
	if config.Cfg.LogPath != "" {
		return config.Cfg.LogPath
	}
	dataPath := config.Cfg.DataPath
	if dataPath == "" {
		dataPath = "/app/data"
	}
	return filepath.Join(dataPath, "shellmux.log")
}

// Init sets up dual logging to stdout and a log file.
// Must be called after config.Load().
func Init() {
	path := Path()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	mu.Lock()
	logFile = f
	mu.Unlock()
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}

// Close restores stdout-only logging and closes the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	log.SetOutput(os.Stdout)
	err := logFile.Close()
	logFile = nil
	return err
}

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	// Ring of the last n lines so large logs are not held in memory.
	if n <= 0 {
		n = 200
	}
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	return strings.Join(ring, "\n"), nil
}
