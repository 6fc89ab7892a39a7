// Package config provides ini-style configuration file parsing with
// typed option access, bounds checking and access tracking, so unused
// options can be reported at startup.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config provides access to a parsed configuration file.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string // Maintains section order

	accessedSections map[string]struct{}
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads a configuration file and returns a Config.
// Supports [include path] directives for including other config files.
func Load(path string) (*Config, error) {
	c := New()
	visited := make(map[string]bool)
	if err := c.parseFile(path, visited); err != nil {
		return nil, err
	}
	return c, nil
}

// parseFile parses a config file and handles include directives.
func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}

	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	dir := filepath.Dir(abs)
	var currentSection string
	var currentOptions map[string]string

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}

		// Section header
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if currentSection != "" {
				c.addSection(currentSection, currentOptions)
			}

			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, path)
			}

			if strings.HasPrefix(header, "include ") {
				spec := strings.TrimSpace(header[8:])
				if spec == "" {
					return fmt.Errorf("config: empty include at line %d in %s", lineNum, path)
				}
				if err := c.parseFile(filepath.Join(dir, spec), visited); err != nil {
					return err
				}
				currentSection = ""
				currentOptions = nil
				continue
			}

			currentSection = header
			currentOptions = make(map[string]string)
			continue
		}

		// Skip options before first section
		if currentSection == "" {
			continue
		}

		// Option line: key: value or key = value
		var key, value string
		if idx := strings.IndexAny(line, ":="); idx >= 0 {
			key = strings.TrimSpace(line[:idx])
			value = strings.TrimSpace(line[idx+1:])
		} else {
			return fmt.Errorf("config: malformed option at line %d in %s: %q", lineNum, path, line)
		}
		if key == "" {
			return fmt.Errorf("config: empty option name at line %d in %s", lineNum, path)
		}
		currentOptions[key] = value
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", path, err)
	}

	if currentSection != "" {
		c.addSection(currentSection, currentOptions)
	}
	return nil
}

// addSection adds (or merges into) a section.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(name)
	if existing, ok := c.sections[key]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[key] = newSection(name, options)
	c.order = append(c.order, key)
}

// HasSection checks whether a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[strings.ToLower(name)]
	return ok
}

// Section returns the named section, or an error if it does not exist.
func (c *Config) Section(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(name)
	s, ok := c.sections[key]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessedSections[key] = struct{}{}
	return s, nil
}

// SectionOrDefault returns the named section, or an empty one so callers
// can fall back to option defaults without nil checks.
func (c *Config) SectionOrDefault(name string) *Section {
	if s, err := c.Section(name); err == nil {
		return s
	}
	return newSection(name, nil)
}

// SectionNames returns section names in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.order))
	for _, key := range c.order {
		names = append(names, c.sections[key].name)
	}
	return names
}

// UnusedOptions returns "section.option" identifiers for every option
// that was never read through a typed getter. Logged as warnings at
// startup so typos in the config file are visible.
func (c *Config) UnusedOptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var unused []string
	for _, key := range c.order {
		s := c.sections[key]
		if _, accessed := c.accessedSections[key]; !accessed {
			unused = append(unused, s.name)
			continue
		}
		for _, opt := range s.UnusedOptions() {
			unused = append(unused, s.name+"."+opt)
		}
	}
	sort.Strings(unused)
	return unused
}
