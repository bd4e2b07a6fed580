// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for machctl. Each setting is a flag and, with the same name, a key in the
// optional TOML configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"

	"github.com/BurntSushi/toml"
	"gvisor.dev/machipc/pkg/log"
	"gvisor.dev/machipc/pkg/mach/ipc"
	"gvisor.dev/machipc/pkg/refs"
)

// Config holds configuration that is not part of a single command.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and the TOML key.
//  3. Register a new flag in flags.go, with the same name and add a
//     description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the path of a TOML file whose values apply unless the
	// same flag is given on the command line.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// TableInitialSize is the number of name table slots a new space
	// starts with.
	TableInitialSize int `flag:"table-initial-size" toml:"table-initial-size"`

	// TableMaxSize bounds the name table of a space.
	TableMaxSize int `flag:"table-max-size" toml:"table-max-size"`

	// TreeMaxEntries bounds the explicitly named entries outside the table.
	TreeMaxEntries int `flag:"tree-max-entries" toml:"tree-max-entries"`

	// MaxURefs bounds the user references of one name.
	MaxURefs uint `flag:"max-urefs" toml:"max-urefs"`

	// MaxMessageSize bounds a message body.
	MaxMessageSize int `flag:"max-message-size" toml:"max-message-size"`

	// AllocLimit bounds the bytes held by the kernel allocator. Zero means
	// no limit.
	AllocLimit int64 `flag:"alloc-limit" toml:"alloc-limit"`

	// Processors is the number of processor objects.
	Processors int `flag:"processors" toml:"processors"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref-leak-mode"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.AllocLimit < 0 {
		return fmt.Errorf("alloc-limit must not be negative, got %d", c.AllocLimit)
	}
	if c.Processors <= 0 {
		return fmt.Errorf("processors must be positive, got %d", c.Processors)
	}
	if c.MaxURefs > uint(^uint32(0)) {
		return fmt.Errorf("max-urefs %d does not fit in 32 bits", c.MaxURefs)
	}
	return c.Limits().Validate()
}

// Limits returns the IPC limits c describes.
func (c *Config) Limits() ipc.Limits {
	return ipc.Limits{
		TableInitialSize: c.TableInitialSize,
		TableMaxSize:     c.TableMaxSize,
		TreeMaxEntries:   c.TreeMaxEntries,
		MaxURefs:         uint32(c.MaxURefs),
		MaxMessageSize:   c.MaxMessageSize,
	}
}

// LoadFile decodes the TOML file at path onto c. Keys are flag names;
// unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q has unknown keys %v", path, undecoded)
	}
	return nil
}

// ToTOML encodes c as TOML.
func (c *Config) ToTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile stores c as TOML at path.
func (c *Config) WriteFile(path string) error {
	b, err := c.ToTOML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}
