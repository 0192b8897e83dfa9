// Package logging writes leveled logfmt lines. Context fields attached with
// With are encoded once and reused for every line.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// Values longer than this are cut so raw stream frames cannot flood a log.
const maxValueBytes = 1024

// Fields whose values must never reach a log file.
var redactedKeys = map[string]struct{}{
	"token":         {},
	"password":      {},
	"authorization": {},
}

type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err is shorthand for the conventional error field.
func Err(err error) Field {
	return Field{Key: "err", Value: err}
}

type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
}

type sink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(line)
}

type logfmtLogger struct {
	sink    *sink
	level   Level
	context []byte
	now     func() time.Time
}

func New(out io.Writer, level Level) Logger {
	if out == nil {
		out = os.Stderr
	}
	return &logfmtLogger{sink: &sink{out: out}, level: level, now: time.Now}
}

func (l *logfmtLogger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *logfmtLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	context := append([]byte(nil), l.context...)
	for _, field := range fields {
		context = appendField(context, field)
	}
	return &logfmtLogger{sink: l.sink, level: l.level, context: context, now: l.now}
}

func (l *logfmtLogger) Debug(msg string, fields ...Field) { l.log(Debug, msg, fields) }
func (l *logfmtLogger) Info(msg string, fields ...Field)  { l.log(Info, msg, fields) }
func (l *logfmtLogger) Warn(msg string, fields ...Field)  { l.log(Warn, msg, fields) }
func (l *logfmtLogger) Error(msg string, fields ...Field) { l.log(Error, msg, fields) }

func (l *logfmtLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	line := make([]byte, 0, 128+len(l.context))
	line = append(line, "ts="...)
	line = l.now().UTC().AppendFormat(line, time.RFC3339Nano)
	line = append(line, " level="...)
	line = append(line, level.String()...)
	line = append(line, " msg="...)
	line = appendText(line, msg)
	line = append(line, l.context...)
	for _, field := range fields {
		line = appendField(line, field)
	}
	line = append(line, '\n')
	l.sink.write(line)
}

func appendField(dst []byte, field Field) []byte {
	key := cleanKey(field.Key)
	dst = append(dst, ' ')
	dst = append(dst, key...)
	dst = append(dst, '=')
	if _, secret := redactedKeys[strings.ToLower(key)]; secret && field.Value != nil {
		return append(dst, "[redacted]"...)
	}
	return appendValue(dst, field.Value)
}

func cleanKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r == '=' || r == '"' {
			return '_'
		}
		return r
	}, key)
}

func appendValue(dst []byte, value any) []byte {
	switch v := value.(type) {
	case nil:
		return append(dst, "null"...)
	case string:
		return appendText(dst, v)
	case []byte:
		return appendText(dst, string(v))
	case error:
		return appendText(dst, v.Error())
	case time.Duration:
		return append(dst, v.String()...)
	case time.Time:
		return v.UTC().AppendFormat(dst, time.RFC3339Nano)
	case bool:
		return strconv.AppendBool(dst, v)
	case int:
		return strconv.AppendInt(dst, int64(v), 10)
	case int32:
		return strconv.AppendInt(dst, int64(v), 10)
	case int64:
		return strconv.AppendInt(dst, v, 10)
	case uint:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(dst, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(dst, v, 10)
	case float32:
		return strconv.AppendFloat(dst, float64(v), 'g', -1, 32)
	case float64:
		return strconv.AppendFloat(dst, v, 'g', -1, 64)
	case fmt.Stringer:
		return appendText(dst, v.String())
	default:
		return appendText(dst, fmt.Sprintf("%v", v))
	}
}

func appendText(dst []byte, text string) []byte {
	if text == "" {
		return append(dst, `""`...)
	}
	if len(text) > maxValueBytes {
		cut := maxValueBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "…(+" + strconv.Itoa(len(text)-cut) + "B)"
	}
	if needsQuote(text) {
		return strconv.AppendQuote(dst, text)
	}
	return append(dst, text...)
}

func needsQuote(text string) bool {
	for _, r := range text {
		if r <= ' ' || r == '"' || r == '=' || r == utf8.RuneError || r == 0x7f {
			return true
		}
	}
	return false
}

type nopLogger struct{}

func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field) {}
func (nopLogger) Warn(string, ...Field) {}
func (nopLogger) Error(string, ...Field) {}
func (n nopLogger) With(...Field) Logger { return n }
func (nopLogger) Enabled(Level) bool { return false }

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}
