// Package cmdline builds Linux kernel command lines from ordered
// arguments with last-wins replacement by key.
package cmdline

import (
	"strings"
)

// Arg is a single command-line token, either key=value or a bare flag.
type Arg struct {
	Key   string
	Value string
	Flag  bool
}

// ParseArg splits a token on the first '='.
func ParseArg(s string) Arg {
	if k, v, ok := strings.Cut(s, "="); ok {
		return Arg{Key: k, Value: v}
	}

	return Arg{Key: s, Flag: true}
}

// KV builds a key=value argument.
func KV(key, value string) Arg {
	return Arg{Key: key, Value: value}
}

// Flag builds a bare flag argument.
func Flag(name string) Arg {
	return Arg{Key: name, Flag: true}
}

func (a Arg) String() string {
	if a.Flag {
		return a.Key
	}

	return a.Key + "=" + a.Value
}

// Cmdline is an ordered list of kernel arguments. Adding an argument
// whose key is already present removes the earlier occurrence, so the
// last writer wins regardless of layer. An override string, once set,
// replaces the whole composition.
type Cmdline struct {
	args     []Arg
	override string
	isSet    bool
}

func New() *Cmdline {
	return &Cmdline{}
}

// Parse builds a Cmdline from a full command-line string.
func Parse(s string) *Cmdline {
	c := New()
	for _, tok := range strings.Fields(s) {
		c.Add(ParseArg(tok))
	}

	return c
}

func (c *Cmdline) Add(arg Arg) *Cmdline {
	for i, a := range c.args {
		if a.Key == arg.Key {
			c.args = append(c.args[:i], c.args[i+1:]...)

			break
		}
	}

	c.args = append(c.args, arg)

	return c
}

func (c *Cmdline) Arg(key, value string) *Cmdline {
	return c.Add(KV(key, value))
}

func (c *Cmdline) AddFlag(name string) *Cmdline {
	return c.Add(Flag(name))
}

func (c *Cmdline) Root(device string) *Cmdline {
	return c.Arg("root", device)
}

func (c *Cmdline) Console(device string) *Cmdline {
	return c.Arg("console", device)
}

// Override replaces the composed string entirely.
func (c *Cmdline) Override(s string) *Cmdline {
	c.override = s
	c.isSet = true

	return c
}

func (c *Cmdline) Overridden() bool {
	return c.isSet
}

func (c *Cmdline) Contains(key string) bool {
	for _, a := range c.args {
		if a.Key == key {
			return true
		}
	}

	return false
}

// Get returns the value for key and whether it is present. Flags
// report present with an empty value.
func (c *Cmdline) Get(key string) (string, bool) {
	for _, a := range c.args {
		if a.Key == key {
			return a.Value, true
		}
	}

	return "", false
}

func (c *Cmdline) Remove(key string) {
	for i, a := range c.args {
		if a.Key == key {
			c.args = append(c.args[:i], c.args[i+1:]...)

			return
		}
	}
}

// Args returns a copy of the ordered argument list.
func (c *Cmdline) Args() []Arg {
	out := make([]Arg, len(c.args))
	copy(out, c.args)

	return out
}

// Merge applies every argument of other on top of c, replacing by
// key. other's override, if set, wins.
func (c *Cmdline) Merge(other *Cmdline) *Cmdline {
	if other == nil {
		return c
	}

	for _, a := range other.args {
		c.Add(a)
	}

	if other.isSet {
		c.Override(other.override)
	}

	return c
}

// Clone returns an independent copy.
func (c *Cmdline) Clone() *Cmdline {
	out := &Cmdline{
		args:     make([]Arg, len(c.args)),
		override: c.override,
		isSet:    c.isSet,
	}
	copy(out.args, c.args)

	return out
}

func (c *Cmdline) String() string {
	if c.isSet {
		return c.override
	}

	parts := make([]string, 0, len(c.args))
	for _, a := range c.args {
		parts = append(parts, a.String())
	}

	return strings.Join(parts, " ")
}
