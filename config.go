package authbroker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/IMQS/log"
)

/*

Example config:

	[WebService]
	MaxStartups = "10:100:10"

	[basic]
	action  = "spawn-login-with-decoded"
	command = "/usr/libexec/session-helper"
	timeout = 30
	response-timeout = 60

	[negotiate]
	command = "/usr/libexec/session-helper"

	[remote-login-ssh]
	host = "127.0.0.1"
	port = 22
	command = "/usr/libexec/bridge"

Scheme sections are open-ended: any Authorization scheme may get a section,
and the "action" key decides which login driver serves it.

*/

const (
	minAuthTimeout = 1
	maxAuthTimeout = 900
)

// Throttle defaults, following the sshd MaxStartups convention.
const (
	defaultMaxStartups      = 10
	defaultMaxStartupsRate  = 100
	defaultMaxStartupsBegin = 10
)

// Config is a set of named sections of key/value pairs. Section and key
// lookups never fail; absent values fall back to the caller's default.
type Config struct {
	sections map[string]map[string]interface{}
}

func (x *Config) Reset() {
	x.sections = map[string]map[string]interface{}{}
}

func (x *Config) LoadFile(filename string) error {
	x.Reset()
	raw := map[string]map[string]interface{}{}
	if _, err := toml.DecodeFile(filename, &raw); err != nil {
		return err
	}
	x.sections = raw
	return nil
}

// Set overrides a single value. Intended for embedding programs and tests.
func (x *Config) Set(section, key string, value interface{}) {
	if x.sections == nil {
		x.Reset()
	}
	if x.sections[section] == nil {
		x.sections[section] = map[string]interface{}{}
	}
	x.sections[section][key] = value
}

// String returns the value of section/key as a string, or ("", false) when
// absent. Integer values are formatted, so numeric timeouts may be written
// without quotes.
func (x *Config) String(section, key string) (string, bool) {
	if x == nil || x.sections == nil {
		return "", false
	}
	values, ok := x.sections[section]
	if !ok {
		return "", false
	}
	value, ok := values[key]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// SchemeOption resolves a per-scheme option with a fallback default.
func (x *Config) SchemeOption(scheme, key, defaultValue string) string {
	if value, ok := x.String(scheme, key); ok {
		return value
	}
	return defaultValue
}

// TimeoutOption resolves a per-scheme timeout in seconds, clamped to
// [minAuthTimeout, maxAuthTimeout]. Values that do not parse as a
// non-negative integer revert to the default with a warning.
func (x *Config) TimeoutOption(key, scheme string, defaultValue uint, logger *log.Logger) uint {
	conf, ok := x.String(scheme, key)
	if !ok {
		return defaultValue
	}
	var timeout uint
	parsed, err := strconv.ParseUint(conf, 10, 64)
	if err != nil {
		timeout = defaultValue
	} else if parsed > maxAuthTimeout {
		timeout = maxAuthTimeout
	} else if parsed < minAuthTimeout {
		timeout = minAuthTimeout
	} else {
		timeout = uint(parsed)
	}
	if err != nil || uint64(timeout) != parsed {
		logger.Infof("Invalid %v timeout value '%v', setting to %v", scheme, conf, timeout)
	}
	return timeout
}

// parseMaxStartups parses the sshd-style "begin:rate:max" throttle spec.
// One value means begin = max = V with rate 100; two values set max from
// begin. Anything illegal reverts all three to the defaults with a warning.
func parseMaxStartups(spec string, logger *log.Logger) (begin, rate, max int) {
	begin = defaultMaxStartupsBegin
	rate = defaultMaxStartupsRate
	max = defaultMaxStartups
	if spec == "" {
		return
	}

	fields := strings.Split(spec, ":")
	values := make([]int, 0, len(fields))
	ok := len(fields) >= 1 && len(fields) <= 3
	for _, field := range fields {
		v, err := strconv.ParseUint(field, 10, 31)
		if err != nil {
			ok = false
			break
		}
		values = append(values, int(v))
	}

	if ok {
		switch len(values) {
		case 1:
			begin, rate, max = values[0], 100, values[0]
		case 2:
			begin, rate, max = values[0], values[1], values[0]
		case 3:
			begin, rate, max = values[0], values[1], values[2]
		}
		if begin > max || rate > 100 || rate < 1 {
			ok = false
		}
	}

	if !ok {
		logger.Warnf("Illegal MaxStartups spec: %v. Reverting to defaults", spec)
		return defaultMaxStartupsBegin, defaultMaxStartupsRate, defaultMaxStartups
	}
	return
}
