package log

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// LogEvent accumulates the fields of one log line as a JSON object.
// Every method is safe on a nil receiver, which is what a filtered level
// returns, so call chains never need a guard.
type LogEvent struct {
	buf    *bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{
		buf:    bytes.NewBuffer(make([]byte, 0, 512)),
		logger: logger,
	}
}

// Reset clears the event so it can be reused from the pool.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	appendJSONString(e.buf, k)
	e.buf.WriteByte(':')
}

func (e *LogEvent) Time(key string, t *time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(e.buf.AvailableBuffer(), "2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	return e
}

func (e *LogEvent) Str(key, val string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	appendJSONString(e.buf, val)
	return e
}

func (e *LogEvent) Strs(key string, vals []string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	e.buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		appendJSONString(e.buf, v)
	}
	e.buf.WriteByte(']')
	return e
}

func (e *LogEvent) Int(key string, val int) *LogEvent {
	return e.Int64(key, int64(val))
}

func (e *LogEvent) Int32(key string, val int32) *LogEvent {
	return e.Int64(key, int64(val))
}

func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	e.buf.Write(strconv.AppendInt(e.buf.AvailableBuffer(), val, 10))
	return e
}

func (e *LogEvent) Uint8(key string, val uint8) *LogEvent {
	return e.Uint64(key, uint64(val))
}

func (e *LogEvent) Uint16(key string, val uint16) *LogEvent {
	return e.Uint64(key, uint64(val))
}

func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	return e.Uint64(key, uint64(val))
}

func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), val, 10))
	return e
}

// Hex writes an unsigned value as a 0x prefixed string, used for opcodes.
func (e *LogEvent) Hex(key string, val uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	e.buf.WriteString(`"0x`)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), val, 16))
	e.buf.WriteByte('"')
	return e
}

func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	e.buf.Write(strconv.AppendBool(e.buf.AvailableBuffer(), val))
	return e
}

func (e *LogEvent) Float64(key string, val float64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	e.buf.Write(strconv.AppendFloat(e.buf.AvailableBuffer(), val, 'f', -1, 64))
	return e
}

// Dur writes a duration in its human readable form ("1.5ms").
func (e *LogEvent) Dur(key string, d time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	appendJSONString(e.buf, d.String())
	return e
}

// Bytes writes a hex dump of b.
func (e *LogEvent) Bytes(key string, b []byte) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	e.buf.WriteByte('"')
	e.buf.WriteString(hex.EncodeToString(b))
	e.buf.WriteByte('"')
	return e
}

func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil {
		return nil
	}
	e.key("error")
	if err == nil {
		e.buf.WriteString("null")
		return e
	}
	appendJSONString(e.buf, err.Error())
	return e
}

// Any serializes val with encoding/json, falling back to fmt on failure.
func (e *LogEvent) Any(key string, val any) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(key)
	data, err := json.Marshal(val)
	if err != nil {
		appendJSONString(e.buf, fmt.Sprintf("%+v", val))
		return e
	}
	e.buf.Write(data)
	return e
}

// Msg sets the message and emits the event.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.Str("msg", msg)
	e.End()
}

func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

// End emits the event without a message.
func (e *LogEvent) End() {
	if e == nil {
		return
	}
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

const _hexDigits = "0123456789abcdef"

func appendJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			if c >= 0x20 && c != '"' && c != '\\' {
				i++
				continue
			}
			buf.WriteString(s[start:i])
			switch c {
			case '"', '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				buf.WriteString(`\u00`)
				buf.WriteByte(_hexDigits[c>>4])
				buf.WriteByte(_hexDigits[c&0xF])
			}
			i++
			start = i
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(s[start:i])
			buf.WriteString(`�`)
			i += size
			start = i
			continue
		}
		i += size
	}
	buf.WriteString(s[start:])
	buf.WriteByte('"')
}
