package tieredlib

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Logger = logrus.New()

// InitLogger configures Logger. Output goes to stderr so generated files can be
// written to stdout.
func InitLogger(level logrus.Level, pretty bool) {
	Logger.Out = os.Stderr

	if pretty {
		Logger.Formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "02-01-2006 15:04:05",
			ForceColors:     true,
		}
	} else {
		Logger.Formatter = &logrus.JSONFormatter{}
	}

	Logger.SetLevel(level)
}
