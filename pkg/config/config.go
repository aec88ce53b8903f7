// Package config reads the user configuration file, which provides the
// defaults for most command line options.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".metacarve"
	configFile string = "config.yml"
)

// DefaultSections is the section filter used when the config file does not
// set one.
var DefaultSections = []string{"il2cpp", ".rdata", ".mrdata", ".data", ".idata", ".rsrc", ".rsrc2", ".tvm0", ".pdata", ".Sgxm1"}

// DefaultGuessesDir is where suspect candidates are dumped when no other
// directory is given.
const DefaultGuessesDir = "./Data/Guesses"

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Sections restricts scanning to these sections.
	Sections []string `yaml:"sections,omitempty"`
	// PreferredSections are ranked before every other section.
	PreferredSections []string `yaml:"preferred-sections,omitempty"`

	// Extend is the number of bytes carved past the end of the section.
	Extend *int64 `yaml:"extend,omitempty"`

	// GuessesDir receives the suspect dumps of --dump-top.
	GuessesDir string `yaml:"guesses-dir,omitempty"`

	// MagicFix is a hex string of 8 bytes written over the start of every
	// carved blob.
	MagicFix string `yaml:"magic-fix,omitempty"`

	// Signature is a hex string used to locate the blob when scanning for
	// the magic fails, HeaderOffset is the distance from the start of the
	// blob to the signature.
	Signature    string `yaml:"signature,omitempty"`
	HeaderOffset *int64 `yaml:"header-offset,omitempty"`
}

// SectionFilter returns the configured section filter or DefaultSections.
func (c *Config) SectionFilter() []string {
	if len(c.Sections) == 0 {
		return DefaultSections
	}
	return c.Sections
}

// Preferred returns the configured preferred sections, nil means the
// scanner default.
func (c *Config) Preferred() []string {
	if len(c.PreferredSections) == 0 {
		return nil
	}
	return c.PreferredSections
}

// ExtendBytes returns the configured extension, 0 if unset.
func (c *Config) ExtendBytes() int64 {
	if c.Extend == nil {
		return 0
	}
	return *c.Extend
}

// Guesses returns the configured guesses directory or DefaultGuessesDir.
func (c *Config) Guesses() string {
	if c.GuessesDir == "" {
		return DefaultGuessesDir
	}
	return c.GuessesDir
}

// BackOffset returns the configured header offset or def.
func (c *Config) BackOffset(def int64) int64 {
	if c.HeaderOffset == nil {
		return def
	}
	return *c.HeaderOffset
}

// ParseHex decodes a hex byte string. Whitespace, a leading 0x and
// separating colons or dashes are ignored, so "AF 1B B1 FA", "0xaf1bb1fa"
// and "af:1b:b1:fa" are all the same four bytes.
func ParseHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string %q: %v", s, err)
	}
	return b, nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration from the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if c.MagicFix != "" {
		if _, err := ParseHex(c.MagicFix); err != nil {
			return nil, fmt.Errorf("magic-fix: %v", err)
		}
	}
	if c.Signature != "" {
		if _, err := ParseHex(c.Signature); err != nil {
			return nil, fmt.Errorf("signature: %v", err)
		}
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return saveConfigFile(fullConfigFile, conf)
}

func saveConfigFile(path string, conf *Config) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for metacarve.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Sections scanned for the metadata header, unless --scan-all is used.
# sections: [il2cpp, .rdata, .mrdata, .data, .idata, .rsrc, .rsrc2, .tvm0, .pdata, .Sgxm1]

# Candidates inside these sections are ranked first.
# preferred-sections: [il2cpp, .rdata, .mrdata, .data, .rsrc, .rsrc2, .tvm0, .pdata]

# Number of bytes carved past the end of the section containing the header.
# extend: 0

# Directory receiving the suspect candidates written by --dump-top.
# guesses-dir: ./Data/Guesses

# Eight bytes, in hex, written over the start of every carved blob.
# magic-fix: "AF 1B B1 FA 1D 00 00 00"

# Signature used by the sig command and the distance between the start of
# the blob and the signature.
# signature: ""
# header-offset: 252
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
