// Package config describes the target register file and allocator settings.
// A configuration starts from the x86-64 defaults, is overlaid with a TOML
// file and finally with RALPH_LSRA_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/xyproto/env/v2"
	"go.uber.org/zap/zapcore"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// Environment variables read by ApplyEnv
const (
	EnvRegisters = "RALPH_LSRA_REGISTERS"
	EnvScratch   = "RALPH_LSRA_SCRATCH"
	EnvLogLevel  = "RALPH_LSRA_LOG_LEVEL"
	EnvCoalesce  = "RALPH_LSRA_COALESCE"
)

// MinAvailableRegisters is the smallest register file the allocator accepts.
// One operation may read two values while its result needs a third register.
// A physical register read in an entry block that is also a loop header stays
// live for the whole function and takes one of these away; such functions need
// one register more than the minimum.
const MinAvailableRegisters = 3

// ErrInvalidTarget is returned when a target description cannot be allocated for
var ErrInvalidTarget = errors.New("invalid target")

// Target is the integer register file
type Target struct {
	Name      string `toml:"name"`
	Registers int    `toml:"registers"`
	// Reserved registers are never allocated, e.g. the stack pointer
	Reserved    []int `toml:"reserved"`
	CalleeSaved []int `toml:"callee_saved"`
	// Scratch is kept free for breaking copy cycles, -1 for none
	Scratch int `toml:"scratch"`
}

type Allocator struct {
	Coalesce bool `toml:"coalesce"`
}

type Log struct {
	Level string `toml:"level"`
}

// Config is the complete configuration of one run
type Config struct {
	Target    Target    `toml:"target"`
	Allocator Allocator `toml:"allocator"`
	Log       Log       `toml:"log"`
}

// Default returns the System V x86-64 register file: rsp is reserved and rbx,
// rbp and r12 to r15 are callee-saved.
func Default() *Config {
	return &Config{
		Target: Target{
			Name:        "x86-64",
			Registers:   16,
			Reserved:    []int{4},
			CalleeSaved: []int{3, 5, 12, 13, 14, 15},
			Scratch:     -1,
		},
		Log: Log{Level: "warn"},
	}
}

// Load reads a TOML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a TOML document over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment and validates the result
func (c *Config) ApplyEnv() error {
	if err := envInt(EnvRegisters, &c.Target.Registers); err != nil {
		return err
	}
	if err := envInt(EnvScratch, &c.Target.Scratch); err != nil {
		return err
	}
	if env.Has(EnvLogLevel) {
		c.Log.Level = env.Str(EnvLogLevel)
	}
	if env.Has(EnvCoalesce) {
		c.Allocator.Coalesce = env.Bool(EnvCoalesce)
	}
	return c.Validate()
}

// envInt stores the integer value of the environment variable name in v when
// the variable is set
func envInt(name string, v *int) error {
	if !env.Has(name) {
		return nil
	}
	n, err := strconv.Atoi(env.Str(name))
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidTarget, name, env.Str(name))
	}
	*v = n
	return nil
}

// Validate checks that every register named by the target is in its register
// file and that enough registers are left for allocation.
func (c *Config) Validate() error {
	t := c.Target
	if t.Registers < 1 || t.Registers > 64 {
		return fmt.Errorf("%w: %d registers, want 1 to 64", ErrInvalidTarget, t.Registers)
	}
	for _, list := range []struct {
		name string
		regs []int
	}{{"reserved", t.Reserved}, {"callee_saved", t.CalleeSaved}} {
		for _, r := range list.regs {
			if r < 0 || r >= t.Registers {
				return fmt.Errorf("%w: %s register r%d outside r0-r%d", ErrInvalidTarget, list.name, r, t.Registers-1)
			}
		}
	}
	if t.Scratch < -1 || t.Scratch >= t.Registers {
		return fmt.Errorf("%w: scratch register r%d outside r0-r%d", ErrInvalidTarget, t.Scratch, t.Registers-1)
	}
	if t.Scratch >= 0 && slices.Contains(t.Reserved, t.Scratch) {
		return fmt.Errorf("%w: scratch register r%d is reserved", ErrInvalidTarget, t.Scratch)
	}
	masks := c.Masks()
	if n := masks.AvailableCount(); n < MinAvailableRegisters {
		return fmt.Errorf("%w: %d allocatable registers, need at least %d", ErrInvalidTarget, n, MinAvailableRegisters)
	}
	// Returned values move to one before the callee-saved registers are restored
	if masks.IntAvailableRegisters&^masks.IntCalleeSavedRegisters == 0 {
		return fmt.Errorf("%w: every allocatable register is callee-saved", ErrInvalidTarget)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// Masks builds the register masks handed to the allocator
func (c *Config) Masks() ir.RegisterMasks {
	t := c.Target
	masks := ir.NewRegisterMasks(t.Registers)
	for _, r := range t.Reserved {
		masks.IntAvailableRegisters &^= 1 << uint(r)
	}
	for _, r := range t.CalleeSaved {
		masks.IntCalleeSavedRegisters |= 1 << uint(r)
	}
	return masks.WithScratch(t.Scratch)
}

// LogLevel parses the configured log level
func (c *Config) LogLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return level, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
