package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger = logrus.New()

// Init routes the shared logger to a rotating file under dir. When verbose is
// set, entries are duplicated to stderr so `serve` sessions stay readable.
func Init(dir string, verbose bool) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "civicfix.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	var out io.Writer = file
	if verbose {
		out = io.MultiWriter(file, os.Stderr)
	}
	Logger.SetOutput(out)
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	Logger.SetLevel(logrus.InfoLevel)
	return nil
}
