package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureWarnings(t *testing.T) *[]string {
	t.Helper()
	var warnings []string
	old := Warnf
	Warnf = func(format string, args ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}
	t.Cleanup(func() { Warnf = old })
	return &warnings
}

func TestParseSettingsDefaults(t *testing.T) {
	captureWarnings(t)
	s := ParseSettings("")
	assert.Equal(t, DefaultSettings(), s)
}

func TestParseSettings(t *testing.T) {
	warnings := captureWarnings(t)
	s := ParseSettings("enable=tty,symbolicate=no,interactive=off,color=yes,timeout=2m,unwind=fast,level=3,threads=all,registers=crashed,images=mentioned,limit=32,top=4,cache=no,retrace-path=/opt/retrace")

	assert.Equal(t, TTY, s.Enabled)
	assert.False(t, s.Symbolicate)
	assert.Equal(t, Off, s.Interactive)
	assert.Equal(t, On, s.Color)
	assert.Equal(t, 120, s.Timeout)
	assert.Equal(t, UnwindFast, s.Algorithm)
	assert.Equal(t, 3, s.Level)
	assert.Equal(t, ThreadsAll, s.Threads)
	assert.Equal(t, RegistersCrashed, s.Registers)
	assert.Equal(t, ImagesMentioned, s.Images)
	assert.Equal(t, 32, s.Limit)
	assert.Equal(t, 4, s.Top)
	assert.False(t, s.Cache)
	assert.Equal(t, "/opt/retrace", s.HelperPath)
	assert.Empty(t, *warnings)
}

func TestParseSettingsUnknownKeyWarns(t *testing.T) {
	warnings := captureWarnings(t)
	s := ParseSettings("bogus=1,enable=no")
	assert.Equal(t, Off, s.Enabled)
	assert.Len(t, *warnings, 1)
}

func TestParseSettingsBadValueKeepsDefault(t *testing.T) {
	warnings := captureWarnings(t)
	def := DefaultSettings()

	s := ParseSettings("timeout=soon,unwind=quantum,level=minus,limit=-3,threads=some,registers=few,images=many")
	assert.Equal(t, def.Timeout, s.Timeout)
	assert.Equal(t, def.Algorithm, s.Algorithm)
	assert.Equal(t, def.Level, s.Level)
	assert.Equal(t, def.Limit, s.Limit)
	assert.Equal(t, def.Threads, s.Threads)
	assert.Equal(t, def.Registers, s.Registers)
	assert.Equal(t, def.Images, s.Images)
	assert.Len(t, *warnings, 7)
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"none", 0, true},
		{"30", 30, true},
		{"30s", 30, true},
		{"5 seconds", 5, true},
		{"2m", 120, true},
		{"2minutes", 120, true},
		{"1h", 3600, true},
		{"", 0, false},
		{"fast", 0, false},
		{"10d", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseTimeout(tt.in)
		assert.Equal(t, tt.ok, ok, "parseTimeout(%q)", tt.in)
		if ok {
			assert.Equal(t, tt.want, got, "parseTimeout(%q)", tt.in)
		}
	}
}

func TestParseOnOffTty(t *testing.T) {
	for _, v := range []string{"on", "true", "YES", "y", "t", "1"} {
		assert.Equal(t, On, parseOnOffTty(v), "value %q", v)
	}
	for _, v := range []string{"tty", "auto", "TTY"} {
		assert.Equal(t, TTY, parseOnOffTty(v), "value %q", v)
	}
	for _, v := range []string{"off", "no", "false", "garbage"} {
		assert.Equal(t, Off, parseOnOffTty(v), "value %q", v)
	}
}

func TestResolveTTY(t *testing.T) {
	s := DefaultSettings()
	s.Enabled = TTY
	s.Interactive = TTY
	s.Color = TTY

	r := ResolveTTY(s, true, false)
	assert.Equal(t, Off, r.Enabled)    // stdout is not a tty
	assert.Equal(t, On, r.Interactive) // stdin is
	assert.Equal(t, Off, r.Color)

	s.Enabled = On
	r = ResolveTTY(s, false, false)
	assert.Equal(t, On, r.Enabled, "explicit on must survive tty resolution")
}
