// Package logging builds the logrus logger used by the pingchat command and
// adapts it to the key-value Logger interface of the core package.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// New returns a text logger at level writing to file, or to stderr when file
// is blank. The returned closer releases the file.
func New(level, file string) (*logrus.Logger, io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing log level")
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening log file %s", file)
		}
		w, closer = f, f
	}

	return &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: lvl,
	}, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Adapter exposes a logrus logger through Debug/Info/Warn/Error(msg, kv...).
// Odd trailing keys are logged under "!BADKEY" like slog does.
type Adapter struct {
	entry *logrus.Entry
}

// Adapt wraps l.
func Adapt(l logrus.FieldLogger) *Adapter {
	return &Adapter{entry: l.WithFields(logrus.Fields{})}
}

func (a *Adapter) Debug(msg string, args ...any) { a.with(args).Debug(msg) }
func (a *Adapter) Info(msg string, args ...any)  { a.with(args).Info(msg) }
func (a *Adapter) Warn(msg string, args ...any)  { a.with(args).Warn(msg) }
func (a *Adapter) Error(msg string, args ...any) { a.with(args).Error(msg) }

// With returns an adapter that always logs the given key-value pairs.
func (a *Adapter) With(args ...any) *Adapter {
	return &Adapter{entry: a.with(args)}
}

func (a *Adapter) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return a.entry
	}
	fields := make(logrus.Fields, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return a.entry.WithFields(fields)
}
