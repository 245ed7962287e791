package build

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jrick/logrotate/rotator"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

const (
	// logFileName is the name of the human readable log file placed in the
	// log directory. The JSON log file gets a .json suffix.
	logFileName = "earnings.log"

	// rotateThresholdKB is the size a log file grows to before it is rolled
	rotateThresholdKB = 10 * 1024

	// maxLogRolls is how many rolled log files we keep around
	maxLogRolls = 3
)

type tunableLogger interface {
	setLevel(level logrus.Level)
	setWriters(human, json io.Writer)
}

type hook struct {
	console     *consoleLogHook
	jsonFile    *jsonFileHook
	regularFile *humanReadableFileHook
}

var _ tunableLogger = &hook{}

func (h *hook) setWriters(human, json io.Writer) {
	h.regularFile.setWriter(human)
	h.jsonFile.setWriter(json)
}

func (h *hook) setLevel(level logrus.Level) {
	h.console.setLevel(level)
	h.jsonFile.setLevel(level)
	h.regularFile.setLevel(level)
}

var (
	logConfigLock  sync.Mutex
	subsystemHooks = map[string]tunableLogger{}
	currentLevel   = logrus.InfoLevel

	// writers shared by all subsystems, set by SetLogDir
	humanWriter io.Writer
	jsonWriter  io.Writer
	rotators    []*rotator.Rotator
)

// SetLogLevel sets the level of a single subsystem. Unknown subsystems are
// ignored.
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	hook, ok := subsystemHooks[subsystem]
	if !ok {
		return
	}
	hook.setLevel(level)
}

// SetLogLevels sets the level of all current and future subsystems
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	currentLevel = level
	for _, hook := range subsystemHooks {
		hook.setLevel(level)
	}
}

// AddSubLogger creates a new logger with a standard format
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	logger.SetOutput(ioutil.Discard) // send all logs to nowhere by default
	// the hooks do the filtering, the logger itself lets everything through
	logger.SetLevel(logrus.TraceLevel)

	jsonHook := &jsonFileHook{subsystem: subsystem}
	fileHook := &humanReadableFileHook{subsystem: subsystem}
	consoleHook := &consoleLogHook{
		subsystem: subsystem,
		out:       os.Stdout,
		colors:    isatty.IsTerminal(os.Stdout.Fd()),
	}
	logger.AddHook(jsonHook)    // write logs to JSON formatted file
	logger.AddHook(fileHook)    // write non-colored with precise timestamp logs to human readable file
	logger.AddHook(consoleHook) // write logs with imprecise timestamp to console
	trio := &hook{
		console:     consoleHook,
		jsonFile:    jsonHook,
		regularFile: fileHook,
	}
	trio.setLevel(currentLevel)
	if humanWriter != nil && jsonWriter != nil {
		trio.setWriters(humanWriter, jsonWriter)
	}
	subsystemHooks[subsystem] = trio

	return logger
}

// newRotatingWriter starts a rotator for the given file, and returns a
// writer feeding it
func newRotatingWriter(file string) (io.Writer, *rotator.Rotator, error) {
	r, err := rotator.New(file, rotateThresholdKB, false, maxLogRolls)
	if err != nil {
		return nil, nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		_ = r.Run(pr)
	}()
	return pw, r, nil
}

// SetLogDir makes all subsystems write to rotated log files in the given
// directory
func SetLogDir(dir string) error {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("could not create log directory: %w", err)
	}

	human, humanRotator, err := newRotatingWriter(filepath.Join(dir, logFileName))
	if err != nil {
		return fmt.Errorf("could not open regular log file: %w", err)
	}
	json, jsonRotator, err := newRotatingWriter(filepath.Join(dir, logFileName+".json"))
	if err != nil {
		_ = humanRotator.Close()
		return fmt.Errorf("could not open JSON log file: %w", err)
	}

	for _, r := range rotators {
		_ = r.Close()
	}
	rotators = []*rotator.Rotator{humanRotator, jsonRotator}
	humanWriter, jsonWriter = human, json

	for _, hook := range subsystemHooks {
		hook.setWriters(human, json)
	}
	return nil
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal", "panic":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

// GinLoggingMiddleWare returns a middleware that logs incoming requests with
// Logrus. Request bodies of blacklisted paths are not logged.
func GinLoggingMiddleWare(logger *logrus.Logger, blacklist []string) gin.HandlerFunc {
	blackListMap := make(map[string]struct{})
	for _, elem := range blacklist {
		blackListMap[elem] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		withFields := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user-agent": c.Request.UserAgent(),
		})

		var bodyBytes []byte
		if _, found := blackListMap[path]; !found && c.Request.Body != nil {
			// we don't check the error here, as we later check for 0 length anyways
			bodyBytes, _ = ioutil.ReadAll(c.Request.Body)
			// restore the original buffer so it can be read later
			c.Request.Body = ioutil.NopCloser(bytes.NewBuffer(bodyBytes))
		} else if found {
			bodyBytes = []byte("not logged")
		}

		if query := c.Request.URL.Query(); len(query) > 0 {
			withFields = withFields.WithField("query", query)
		}

		if len(bodyBytes) != 0 {
			withFields = withFields.WithField("body", string(bodyBytes))
		}

		c.Next()

		status := c.Writer.Status()
		withFields = withFields.WithFields(logrus.Fields{
			"status":  status,
			"latency": time.Since(start),
		})

		// private errors are not shown to the end user, but are of relevance
		// when reading logs
		if privateErrors := c.Errors.ByType(gin.ErrorTypePrivate); len(privateErrors) > 0 {
			withFields = withFields.WithField("privateErrors", privateErrors)
		}
		if publicErrors := c.Errors.ByType(gin.ErrorTypePublic); len(publicErrors) > 0 {
			withFields = withFields.WithField("publicErrors", publicErrors)
		}
		if bindingErrors := c.Errors.ByType(gin.ErrorTypeBind); len(bindingErrors) > 0 {
			withFields = withFields.WithField("bindingErrors", bindingErrors)
		}

		requestLevel := logrus.InfoLevel
		switch {
		case status >= 500:
			requestLevel = logrus.ErrorLevel
		case status >= 400:
			requestLevel = logrus.WarnLevel
		}
		withFields.Logf(requestLevel, "HTTP %s %s: %d", c.Request.Method, path, status)
	}
}

type consoleLogHook struct {
	hasLevel
	subsystem string
	out       io.Writer
	colors    bool
}

var _ logrus.Hook = &consoleLogHook{}

func (c *consoleLogHook) Fire(entry *logrus.Entry) error {
	if entry == nil || c.getLevel() < entry.Level {
		return nil
	}

	format := logrus.TextFormatter{
		TimestampFormat: "15:04:05",
		ForceColors:     c.colors,
		DisableColors:   !c.colors,
		FullTimestamp:   true,
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", c.subsystem, entry.Message)
	formatted, err := format.Format(&copied)
	if err != nil {
		return err
	}

	_, err = c.out.Write(formatted)
	return err
}

type humanReadableFileHook struct {
	hasLevel
	hasWriter
	subsystem string
}

var _ logrus.Hook = &humanReadableFileHook{}
var fileHookFormat = logrus.TextFormatter{
	// see comment in Fire on coloring and formatting
	ForceColors:     true,
	TimestampFormat: time.RFC3339,
	FullTimestamp:   true,
}

const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRegex = regexp.MustCompile(ansi)

func (h *humanReadableFileHook) Fire(entry *logrus.Entry) error {
	out := h.getWriter()
	if out == nil || entry == nil || h.getLevel() < entry.Level {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", h.subsystem, entry.Message)
	formatted, err := fileHookFormat.Format(&copied)
	if err != nil {
		return err
	}

	// logrus lays out colored and non-colored entries differently. we want
	// file and console output to look the same, so we format with colors and
	// strip the ANSI codes afterwards
	_, err = out.Write(ansiRegex.ReplaceAll(formatted, nil))
	return err
}

type jsonFileHook struct {
	hasLevel
	hasWriter
	subsystem string
}

var _ logrus.Hook = &jsonFileHook{}
var jsonHookFormat = logrus.JSONFormatter{
	TimestampFormat: time.RFC3339,
}

func (j *jsonFileHook) Fire(entry *logrus.Entry) error {
	out := j.getWriter()
	if out == nil || entry == nil || j.getLevel() < entry.Level {
		return nil
	}

	// the entry data map is shared with the other hooks, so we add the
	// subsystem to a copy. WithField does not copy message and level
	withSubsystem := entry.WithField("subsystem", j.subsystem)
	withSubsystem.Message = entry.Message
	withSubsystem.Level = entry.Level
	formatted, err := jsonHookFormat.Format(withSubsystem)
	if err != nil {
		return err
	}

	_, err = out.Write(formatted)
	return err
}

type hasLevel struct {
	mu    sync.RWMutex
	level logrus.Level
}

// Levels satisfies the logrus.Hook interface. Filtering happens in Fire,
// where the level can be changed at runtime.
func (h *hasLevel) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hasLevel) setLevel(level logrus.Level) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

func (h *hasLevel) getLevel() logrus.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.level
}

type hasWriter struct {
	mu  sync.RWMutex
	out io.Writer
}

func (h *hasWriter) setWriter(w io.Writer) {
	h.mu.Lock()
	h.out = w
	h.mu.Unlock()
}

func (h *hasWriter) getWriter() io.Writer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.out
}
