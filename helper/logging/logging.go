package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Configure routes the standard logrus logger. Text goes to stdout when toStdout is set;
// otherwise JSON records are appended to <dir>/<name>.log. The returned closer releases the log file.
func Configure(toStdout bool, dir string, name string, level string) (io.Closer, error) {
	if level != "" {
		l, err := log.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		log.SetLevel(l)
	}

	if toStdout {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		log.SetOutput(os.Stdout)
		return io.NopCloser(nil), nil
	}

	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(f)
	return f, nil
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("log path %s is not a directory", path)
	}
	return nil
}
