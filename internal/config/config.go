// Package config provides the configuration schema and loader for the
// interviewkit capture client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [LoadFromReader] to unset fields.
const (
	DefaultSpeechURL      = "http://localhost:8000"
	DefaultNonVerbalURL   = "http://localhost:8001"
	DefaultAnswerDuration = 20 * time.Second
	DefaultCameraFPS      = 15
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backends  BackendsConfig  `yaml:"backends"`
	Interview InterviewConfig `yaml:"interview"`
	Devices   DevicesConfig   `yaml:"devices"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz, and
	// /readyz (e.g., ":9464"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendsConfig locates the two analysis backends.
type BackendsConfig struct {
	Speech    BackendConfig `yaml:"speech"`
	NonVerbal BackendConfig `yaml:"nonverbal"`
}

// BackendConfig locates one analysis backend. Socket URLs are derived from
// BaseURL by swapping http for ws and https for wss.
type BackendConfig struct {
	// BaseURL is the http or https root of the backend.
	BaseURL string `yaml:"base_url"`
}

// InterviewConfig describes the interview to rehearse.
type InterviewConfig struct {
	// Questions are asked in order. At least one is required.
	Questions []string `yaml:"questions"`

	// AnswerDuration is how long each answer streams during a rehearsal.
	AnswerDuration time.Duration `yaml:"answer_duration"`

	// PreferredMicrophone is the device id tried first.
	PreferredMicrophone string `yaml:"preferred_microphone"`
}

// DevicesConfig declares the file-backed capture devices.
type DevicesConfig struct {
	Microphones []MicrophoneConfig `yaml:"microphones"`

	// Camera is optional. Without it the interview runs audio-only.
	Camera *CameraConfig `yaml:"camera"`
}

// MicrophoneConfig declares one microphone backed by a WAV file.
type MicrophoneConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`

	// File is the WAV file to play. Relative paths are resolved against
	// the config file's directory by [Load].
	File string `yaml:"file"`

	// Muted simulates a hardware-muted device.
	Muted bool `yaml:"muted"`
}

// CameraConfig declares a camera backed by a directory of images.
type CameraConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`

	// FramesDir holds the JPEG or PNG frames, played in name order.
	FramesDir string `yaml:"frames_dir"`

	// FPS is the playback rate, between 1 and 60.
	FPS int `yaml:"fps"`
}
