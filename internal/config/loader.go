package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/interviewkit/internal/backend"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Relative device paths are resolved against the directory of
// path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backends.Speech.BaseURL == "" {
		cfg.Backends.Speech.BaseURL = DefaultSpeechURL
	}
	if cfg.Backends.NonVerbal.BaseURL == "" {
		cfg.Backends.NonVerbal.BaseURL = DefaultNonVerbalURL
	}
	if cfg.Interview.AnswerDuration == 0 {
		cfg.Interview.AnswerDuration = DefaultAnswerDuration
	}
	if cfg.Devices.Camera != nil && cfg.Devices.Camera.FPS == 0 {
		cfg.Devices.Camera.FPS = DefaultCameraFPS
	}
}

func (cfg *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for i := range cfg.Devices.Microphones {
		cfg.Devices.Microphones[i].File = abs(cfg.Devices.Microphones[i].File)
	}
	if cfg.Devices.Camera != nil {
		cfg.Devices.Camera.FramesDir = abs(cfg.Devices.Camera.FramesDir)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backends
	if _, err := backend.ParseBase(cfg.Backends.Speech.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("backends.speech.base_url: %w", err))
	}
	if _, err := backend.ParseBase(cfg.Backends.NonVerbal.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("backends.nonverbal.base_url: %w", err))
	}

	// Interview
	if len(cfg.Interview.Questions) == 0 {
		errs = append(errs, errors.New("interview.questions must list at least one question"))
	}
	for i, q := range cfg.Interview.Questions {
		if q == "" {
			errs = append(errs, fmt.Errorf("interview.questions[%d] is empty", i))
		}
	}
	if cfg.Interview.AnswerDuration < 0 {
		errs = append(errs, fmt.Errorf("interview.answer_duration %s must not be negative", cfg.Interview.AnswerDuration))
	}

	// Devices
	seen := make(map[string]int, len(cfg.Devices.Microphones))
	for i, mic := range cfg.Devices.Microphones {
		prefix := fmt.Sprintf("devices.microphones[%d]", i)
		if mic.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[mic.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of devices.microphones[%d]", prefix, mic.ID, prev))
			}
			seen[mic.ID] = i
		}
		if mic.File == "" {
			errs = append(errs, fmt.Errorf("%s.file is required", prefix))
		}
	}
	if pref := cfg.Interview.PreferredMicrophone; pref != "" && len(cfg.Devices.Microphones) > 0 {
		if _, ok := seen[pref]; !ok {
			errs = append(errs, fmt.Errorf("interview.preferred_microphone %q does not name a configured microphone", pref))
		}
	}
	if cam := cfg.Devices.Camera; cam != nil {
		if cam.FramesDir == "" {
			errs = append(errs, errors.New("devices.camera.frames_dir is required"))
		}
		if cam.FPS < 1 || cam.FPS > 60 {
			errs = append(errs, fmt.Errorf("devices.camera.fps %d is out of range [1, 60]", cam.FPS))
		}
	}

	return errors.Join(errs...)
}
