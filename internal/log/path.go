package log

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

var (
	logDir     string
	logDirOnce sync.Once
)

// GetLogDir returns the directory holding the log file and statistics dumps:
// /var/log/flowstub on Linux when writable, ~/.flowstub otherwise, and the
// temp directory as the last resort.
func GetLogDir() string {
	logDirOnce.Do(func() {
		logDir = determineLogDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			logDir = filepath.Join(os.TempDir(), "flowstub")
			_ = os.MkdirAll(logDir, 0755)
		}
	})
	return logDir
}

func determineLogDir() string {
	if override := os.Getenv("FLOWSTUB_LOG_DIR"); override != "" {
		return override
	}
	if runtime.GOOS == "linux" && writable("/var/log/flowstub") {
		return "/var/log/flowstub"
	}
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".flowstub")
		if err := os.MkdirAll(dir, 0755); err == nil {
			return dir
		}
	}
	return filepath.Join(os.TempDir(), "flowstub")
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write_test")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}

func GetLogFilePath() string {
	return filepath.Join(GetLogDir(), "flowstub.log")
}

func GetStatsFilePath(name string) string {
	return filepath.Join(GetLogDir(), name)
}
