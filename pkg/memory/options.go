package memory

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/uber-go/tally/v4"
	"gopkg.in/yaml.v3"

	"github.com/go-drift/arbor/pkg/errors"
)

const (
	defaultMaxRetainedObjects    = 10000
	defaultWarnThreshold         = 5000
	defaultLeakDetectionInterval = 30 * time.Second
	minLeakDetectionInterval     = 10 * time.Millisecond
	defaultElementAgeThreshold   = 60 * time.Second
	defaultNodeAgeThreshold      = 5 * time.Minute
)

// Options configures a Manager. The yaml-tagged fields can be loaded from a
// file with LoadOptions; the rest are wired in code.
type Options struct {
	// EnableLeakDetection starts the periodic leak detector in NewManager.
	EnableLeakDetection bool `yaml:"enableLeakDetection"`
	// MaxRetainedObjects is the disposal queue length that triggers an
	// immediate batch cleanup.
	MaxRetainedObjects int `yaml:"maxRetainedObjects"`
	// WarnThreshold is the live element count above which a warning is logged.
	WarnThreshold int `yaml:"warnThreshold"`
	// LeakDetectionInterval is the period of the leak detector.
	LeakDetectionInterval time.Duration `yaml:"leakDetectionInterval"`
	// DebugMode logs every detected leak.
	DebugMode bool `yaml:"debugMode"`
	// ElementAgeThreshold is how long an element may stay registered while
	// unmounted before it is reported.
	ElementAgeThreshold time.Duration `yaml:"elementAgeThreshold"`
	// NodeAgeThreshold is how long an orphaned node may stay registered
	// before it is reported.
	NodeAgeThreshold time.Duration `yaml:"nodeAgeThreshold"`

	// Clock supplies timestamps. Nil means the system clock.
	Clock Clock `yaml:"-"`
	// Logger receives warnings. Nil means slog.Default().
	Logger *slog.Logger `yaml:"-"`
	// Scope receives counters and gauges. Nil means tally.NoopScope.
	Scope tally.Scope `yaml:"-"`
	// Dispatch, when set, moves leak detector callbacks onto the UI loop.
	Dispatch func(func()) `yaml:"-"`
	// OnLeak is called from the leak detector when leaks are found.
	OnLeak func([]Leak) `yaml:"-"`
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		MaxRetainedObjects:    defaultMaxRetainedObjects,
		WarnThreshold:         defaultWarnThreshold,
		LeakDetectionInterval: defaultLeakDetectionInterval,
		ElementAgeThreshold:   defaultElementAgeThreshold,
		NodeAgeThreshold:      defaultNodeAgeThreshold,
	}
}

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	if o.MaxRetainedObjects <= 0 {
		o.MaxRetainedObjects = defaultMaxRetainedObjects
	}
	if o.WarnThreshold <= 0 {
		o.WarnThreshold = defaultWarnThreshold
	}
	if o.LeakDetectionInterval <= 0 {
		o.LeakDetectionInterval = defaultLeakDetectionInterval
	}
	if o.LeakDetectionInterval < minLeakDetectionInterval {
		o.LeakDetectionInterval = minLeakDetectionInterval
	}
	if o.ElementAgeThreshold <= 0 {
		o.ElementAgeThreshold = defaultElementAgeThreshold
	}
	if o.NodeAgeThreshold <= 0 {
		o.NodeAgeThreshold = defaultNodeAgeThreshold
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Scope == nil {
		o.Scope = tally.NoopScope
	}
	return o
}

// Validate rejects negative limits and thresholds.
func (o Options) Validate() error {
	switch {
	case o.MaxRetainedObjects < 0:
		return configError("maxRetainedObjects must not be negative")
	case o.WarnThreshold < 0:
		return configError("warnThreshold must not be negative")
	case o.LeakDetectionInterval < 0:
		return configError("leakDetectionInterval must not be negative")
	case o.ElementAgeThreshold < 0:
		return configError("elementAgeThreshold must not be negative")
	case o.NodeAgeThreshold < 0:
		return configError("nodeAgeThreshold must not be negative")
	}
	return nil
}

// ParseOptions decodes YAML on top of DefaultOptions.
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, &errors.RuntimeError{
			Op:   "memory.ParseOptions",
			Kind: errors.KindConfig,
			Err:  fmt.Errorf("failed to parse options: %w", err),
		}
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// LoadOptions reads options from a YAML file. A missing file yields
// DefaultOptions.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return DefaultOptions(), nil
		}
		return Options{}, &errors.RuntimeError{
			Op:   "memory.LoadOptions",
			Kind: errors.KindConfig,
			Err:  fmt.Errorf("failed to read %s: %w", path, err),
		}
	}
	return ParseOptions(data)
}

func configError(msg string) error {
	return &errors.RuntimeError{
		Op:        "memory.Options",
		Kind:      errors.KindConfig,
		Err:       stderrors.New(msg),
		Timestamp: time.Now(),
	}
}
