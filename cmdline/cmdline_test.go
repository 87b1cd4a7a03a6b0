package cmdline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsa-vm/capsa/cmdline"
)

func TestLastWins(t *testing.T) {
	t.Parallel()

	c := cmdline.New().
		Arg("console", "ttyS0").
		Arg("root", "/dev/vda").
		Arg("console", "hvc0")

	v, ok := c.Get("console")
	require.True(t, ok)
	assert.Equal(t, "hvc0", v)
	assert.Equal(t, "root=/dev/vda console=hvc0", c.String())
}

func TestMergeReplacesByKey(t *testing.T) {
	t.Parallel()

	base := cmdline.Parse("console=hvc0 reboot=t panic=-1")
	user := cmdline.Parse("panic=30 quiet")

	merged := base.Merge(user)

	v, ok := merged.Get("panic")
	require.True(t, ok)
	assert.Equal(t, "30", v)
	assert.True(t, merged.Contains("quiet"))
	assert.Equal(t, "console=hvc0 reboot=t panic=30 quiet", merged.String())
}

func TestMergePrefersOtherValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c1   string
		c2   string
		key  string
		want string
	}{
		{"other defines key", "root=/dev/vda", "root=/dev/vdb", "root", "/dev/vdb"},
		{"only base defines key", "root=/dev/vda", "quiet", "root", "/dev/vda"},
		{"only other defines key", "quiet", "root=/dev/vdb", "root", "/dev/vdb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			merged := cmdline.Parse(tt.c1).Merge(cmdline.Parse(tt.c2))
			v, ok := merged.Get(tt.key)
			require.True(t, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestParseBuildRoundTrip(t *testing.T) {
	t.Parallel()

	in := "console=hvc0 reboot=t panic=-1 root=/dev/vda rw quiet"
	c := cmdline.Parse(in)
	again := cmdline.Parse(c.String())

	assert.Equal(t, c.Args(), again.Args())
}

func TestOverrideDisablesComposition(t *testing.T) {
	t.Parallel()

	c := cmdline.New().Arg("console", "hvc0")
	c.Override("init=/bin/sh")

	assert.True(t, c.Overridden())
	assert.Equal(t, "init=/bin/sh", c.String())

	c.Arg("root", "/dev/vda")
	assert.Equal(t, "init=/bin/sh", c.String())
}

func TestFlagReplacement(t *testing.T) {
	t.Parallel()

	c := cmdline.New().AddFlag("quiet").Arg("quiet", "0")

	v, ok := c.Get("quiet")
	require.True(t, ok)
	assert.Equal(t, "0", v)
	assert.Equal(t, "quiet=0", c.String())
}

func TestRemove(t *testing.T) {
	t.Parallel()

	c := cmdline.Parse("a=1 b=2 c")
	c.Remove("b")

	assert.False(t, c.Contains("b"))
	assert.Equal(t, "a=1 c", c.String())
}
