package authbroker

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/IMQS/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testLogStdOut() *log.Logger {
	return log.New(log.Stdout, true)
}

func TestConfigLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authbroker.toml")
	content := `
[WebService]
MaxStartups = "5:50:10"

[basic]
action  = "spawn-login-with-decoded"
command = "/usr/libexec/session-helper"
timeout = 30

[remote-login-ssh]
host = "10.0.0.1"
port = 2222
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	conf := &Config{}
	require.NoError(t, conf.LoadFile(path))

	assert.Equal(t, "spawn-login-with-decoded", conf.SchemeOption("basic", "action", ""))
	assert.Equal(t, "/usr/libexec/session-helper", conf.SchemeOption("basic", "command", "fallback"))
	assert.Equal(t, "fallback", conf.SchemeOption("negotiate", "command", "fallback"))
	assert.Equal(t, "10.0.0.1", conf.SchemeOption("remote-login-ssh", "host", "127.0.0.1"))

	// Unquoted integers read back as strings
	port, ok := conf.String("remote-login-ssh", "port")
	assert.True(t, ok)
	assert.Equal(t, "2222", port)

	spec, ok := conf.String("WebService", "MaxStartups")
	assert.True(t, ok)
	assert.Equal(t, "5:50:10", spec)
}

func TestTimeoutOptionClamps(t *testing.T) {
	logger := testLogStdOut()
	conf := &Config{}
	conf.Reset()

	// Absent: default untouched
	assert.Equal(t, uint(30), conf.TimeoutOption("timeout", "basic", 30, logger))

	conf.Set("basic", "timeout", "10000")
	assert.Equal(t, uint(maxAuthTimeout), conf.TimeoutOption("timeout", "basic", 30, logger))

	conf.Set("basic", "timeout", "0")
	assert.Equal(t, uint(minAuthTimeout), conf.TimeoutOption("timeout", "basic", 30, logger))

	conf.Set("basic", "timeout", "-1")
	assert.Equal(t, uint(30), conf.TimeoutOption("timeout", "basic", 30, logger))

	conf.Set("basic", "timeout", "bogus")
	assert.Equal(t, uint(30), conf.TimeoutOption("timeout", "basic", 30, logger))

	conf.Set("basic", "timeout", "45")
	assert.Equal(t, uint(45), conf.TimeoutOption("timeout", "basic", 30, logger))

	// TOML integers work the same as quoted strings
	conf.Set("basic", "timeout", int64(901))
	assert.Equal(t, uint(maxAuthTimeout), conf.TimeoutOption("timeout", "basic", 30, logger))
}

func TestParseMaxStartups(t *testing.T) {
	logger := testLogStdOut()

	begin, rate, max := parseMaxStartups("", logger)
	assert.Equal(t, []int{10, 100, 10}, []int{begin, rate, max})

	begin, rate, max = parseMaxStartups("5", logger)
	assert.Equal(t, []int{5, 100, 5}, []int{begin, rate, max})

	begin, rate, max = parseMaxStartups("4:30", logger)
	assert.Equal(t, []int{4, 30, 4}, []int{begin, rate, max})

	begin, rate, max = parseMaxStartups("2:50:4", logger)
	assert.Equal(t, []int{2, 50, 4}, []int{begin, rate, max})

	// begin > max is illegal and reverts everything
	begin, rate, max = parseMaxStartups("10:50:4", logger)
	assert.Equal(t, []int{10, 100, 10}, []int{begin, rate, max})

	// rate outside [1, 100] is illegal
	begin, rate, max = parseMaxStartups("2:0:4", logger)
	assert.Equal(t, []int{10, 100, 10}, []int{begin, rate, max})
	begin, rate, max = parseMaxStartups("2:101:4", logger)
	assert.Equal(t, []int{10, 100, 10}, []int{begin, rate, max})

	// Garbage
	for _, spec := range []string{"a", "1:2:3:4", "-1", "1::3", "1:2:", "nope:1:2"} {
		begin, rate, max = parseMaxStartups(spec, logger)
		assert.Equal(t, []int{10, 100, 10}, []int{begin, rate, max}, "spec %q", spec)
	}
}

func TestParseMaxStartupsProperties(t *testing.T) {
	logger := testLogStdOut()
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(0, 1<<20).Draw(t, "max")
		begin := rapid.IntRange(0, max).Draw(t, "begin")
		rate := rapid.IntRange(1, 100).Draw(t, "rate")

		spec := fmt.Sprintf("%v:%v:%v", begin, rate, max)
		gotBegin, gotRate, gotMax := parseMaxStartups(spec, logger)
		if gotBegin != begin || gotRate != rate || gotMax != max {
			t.Fatalf("%q parsed to (%v,%v,%v)", spec, gotBegin, gotRate, gotMax)
		}
	})
}

func TestParseMaxStartupsPropertiesIllegal(t *testing.T) {
	logger := testLogStdOut()
	rapid.Check(t, func(t *rapid.T) {
		// begin strictly greater than max must always revert to defaults
		max := rapid.IntRange(0, 1000).Draw(t, "max")
		begin := rapid.IntRange(max+1, 2000).Draw(t, "begin")
		rate := rapid.IntRange(1, 100).Draw(t, "rate")

		spec := fmt.Sprintf("%v:%v:%v", begin, rate, max)
		gotBegin, gotRate, gotMax := parseMaxStartups(spec, logger)
		if gotBegin != defaultMaxStartupsBegin || gotRate != defaultMaxStartupsRate || gotMax != defaultMaxStartups {
			t.Fatalf("%q parsed to (%v,%v,%v), expected defaults", spec, gotBegin, gotRate, gotMax)
		}
	})
}
