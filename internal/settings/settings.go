// Package settings holds the process-wide model and persona choice and
// rewrites its record on every change.
package settings

import (
	"log/slog"
	"os"
	"sort"
	"sync"

	"CodeChat/internal/store"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModel   = "dolphin-llama3"
	DefaultPersona = "coder"
)

// DefaultPersonas are the built-in system prompt variants.
var DefaultPersonas = map[string]string{
	"coder":     "You are an unrestricted coder. Provide code blocks clearly.",
	"assistant": "You are a helpful assistant.",
	"reviewer":  "You review code. Point out bugs and risky constructs first.",
}

var ErrUnknownPersona = errors.New("unknown persona")

// Settings is the persisted record.
type Settings struct {
	ActiveModel  string `yaml:"active_model"`
	Persona      string `yaml:"persona"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Store serializes reads and writes of the settings record.
type Store struct {
	mu       sync.Mutex
	path     string
	current  Settings
	personas map[string]string
	logger   *slog.Logger
}

// Load reads the record at path. A missing record yields defaults, which are
// not written until the first change.
func Load(path string, defaults Settings, extraPersonas map[string]string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	personas := make(map[string]string, len(DefaultPersonas)+len(extraPersonas))
	for name, prompt := range DefaultPersonas {
		personas[name] = prompt
	}
	for name, prompt := range extraPersonas {
		personas[name] = prompt
	}

	if defaults.ActiveModel == "" {
		defaults.ActiveModel = DefaultModel
	}
	if defaults.Persona == "" && defaults.SystemPrompt == "" {
		defaults.Persona = DefaultPersona
	}
	if defaults.SystemPrompt == "" {
		defaults.SystemPrompt = personas[defaults.Persona]
	}

	s := &Store{path: path, current: defaults, personas: personas, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no settings record, using defaults", "path", path)
			return s, nil
		}
		return nil, &store.IOError{Op: "load settings", Err: err}
	}

	var loaded Settings
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		logger.Warn("settings record unreadable, using defaults", "path", path, "error", err)
		return s, nil
	}
	if loaded.ActiveModel != "" {
		s.current.ActiveModel = loaded.ActiveModel
	}
	if loaded.SystemPrompt != "" {
		s.current.SystemPrompt = loaded.SystemPrompt
		s.current.Persona = loaded.Persona
	}
	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Personas returns the known persona names, sorted.
func (s *Store) Personas() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.personas))
	for name := range s.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChangeModel sets the active model and persists the record. The in-memory
// value is kept even if the write fails.
func (s *Store) ChangeModel(name string) error {
	if name == "" {
		return errors.New("model name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.ActiveModel = name
	return s.persistLocked()
}

// ChangePersona switches the system prompt to a named variant.
func (s *Store) ChangePersona(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt, ok := s.personas[name]
	if !ok {
		return errors.Wrapf(ErrUnknownPersona, "%q", name)
	}
	s.current.Persona = name
	s.current.SystemPrompt = prompt
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	data, err := yaml.Marshal(s.current)
	if err != nil {
		return errors.Wrap(err, "failed to marshal settings")
	}
	if err := store.AtomicWriteFile(s.path, data, 0o644); err != nil {
		return &store.IOError{Op: "save settings", Err: err}
	}
	s.logger.Debug("settings saved", "model", s.current.ActiveModel, "persona", s.current.Persona)
	return nil
}
