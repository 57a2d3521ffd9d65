// Package options handles the flat option file which controls how paints are
// provisioned. The file is created with default values if it does not exist or
// cannot be read.
package options

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
)

const DefaultFileName = "equanimity-paint.yml"

//nolint:lll // readability
type Options struct {
	RandomMode              bool `yaml:"RandomMode" mapstructure:"RandomMode"`                           // stage random paints instead of the fixed common paints
	QuitAfterCopy           bool `yaml:"QuitAfterCopy" mapstructure:"QuitAfterCopy"`                     // terminate once the reloads of a batch are issued
	DeletePaintsFolder      bool `yaml:"DeletePaintsFolder" mapstructure:"DeletePaintsFolder"`           // remove provisioned paints on cleanup
	OnlyRaces               bool `yaml:"OnlyRaces" mapstructure:"OnlyRaces"`                             // ignore sessions which are not races
	SpecMapPercentageChance int  `yaml:"SpecMapPercentageChance" mapstructure:"SpecMapPercentageChance"` // 0-100
	CarSpecificHelmetSuit   bool `yaml:"CarSpecificHelmetSuit" mapstructure:"CarSpecificHelmetSuit"`     // helmet/suit from the car's common folder
	LogToFile               bool `yaml:"LogToFile" mapstructure:"LogToFile"`                             // mirror log output to a file
	ReadOnlyPaints          bool `yaml:"ReadOnlyPaints" mapstructure:"ReadOnlyPaints"`                   // protect provisioned files against overwrites
	CopyNumbers             bool `yaml:"CopyNumbers" mapstructure:"CopyNumbers"`
	CopyDecals              bool `yaml:"CopyDecals" mapstructure:"CopyDecals"`
	CopyHelmetSuit          bool `yaml:"CopyHelmetSuit" mapstructure:"CopyHelmetSuit"`
}

func Defaults() *Options {
	return &Options{
		SpecMapPercentageChance: 100,
		CopyNumbers:             true,
		CopyDecals:              true,
		CopyHelmetSuit:          true,
	}
}

// SpecMapChance returns the configured percentage clamped to 0..100
func (o *Options) SpecMapChance() int {
	return min(max(o.SpecMapPercentageChance, 0), 100)
}

type (
	Loader struct {
		path string
		l    *log.Logger
		mu   sync.Mutex
		v    *viper.Viper
	}
	LoaderOption func(*Loader)
)

func WithLogger(l *log.Logger) LoaderOption {
	return func(ld *Loader) {
		ld.l = l
	}
}

func NewLoader(path string, opts ...LoaderOption) *Loader {
	if path == "" {
		path = DefaultFileName
	}
	ret := &Loader{
		path: path,
		l:    log.Default().Named("options"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (ld *Loader) Path() string {
	return ld.path
}

// Load reads the option file. Any error leads to the built-in defaults which are
// written back to the option file. The returned error is informational only.
func (ld *Loader) Load() (*Options, error) {
	ld.mu.Lock()
	defer ld.mu.Unlock()

	v := viper.New()
	v.SetConfigFile(ld.path)
	v.SetConfigType("yaml")
	def := Defaults()
	setDefaults(v, def)

	if err := v.ReadInConfig(); err != nil {
		ld.l.Warn("could not read options, using defaults",
			log.String("file", ld.path), log.ErrorField(err))
		if pErr := ld.persist(def); pErr != nil {
			ld.l.Error("could not persist default options",
				log.String("file", ld.path), log.ErrorField(pErr))
			return def, errors.Join(err, pErr)
		}
		ld.v = v
		return def, err
	}
	ret := &Options{}
	if err := v.Unmarshal(ret); err != nil {
		ld.l.Warn("invalid options, using defaults",
			log.String("file", ld.path), log.ErrorField(err))
		if pErr := ld.persist(def); pErr != nil {
			return def, errors.Join(err, pErr)
		}
		return def, err
	}
	if ret.SpecMapPercentageChance != ret.SpecMapChance() {
		ld.l.Warn("SpecMapPercentageChance out of range, clamping",
			log.Int("value", ret.SpecMapPercentageChance),
			log.Int("used", ret.SpecMapChance()))
		ret.SpecMapPercentageChance = ret.SpecMapChance()
	}
	ld.v = v
	ld.l.Debug("options loaded", log.String("file", ld.path), log.Any("options", ret))
	return ret, nil
}

// Watch reloads the options whenever the file changes and hands the result to
// onChange. Changes after ctx is done are ignored.
func (ld *Loader) Watch(ctx context.Context, onChange func(*Options)) {
	ld.mu.Lock()
	v := ld.v
	ld.mu.Unlock()
	if v == nil {
		if _, err := ld.Load(); err != nil {
			ld.l.Debug("initial load before watch", log.ErrorField(err))
		}
		ld.mu.Lock()
		v = ld.v
		ld.mu.Unlock()
	}
	if v == nil {
		ld.l.Warn("options cannot be watched", log.String("file", ld.path))
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		ld.l.Info("options changed", log.String("file", e.Name))
		o, err := ld.Load()
		if err != nil {
			ld.l.Warn("reloaded options with errors", log.ErrorField(err))
		}
		onChange(o)
	})
	v.WatchConfig()
}

func (ld *Loader) persist(o *Options) error {
	data, err := yaml.Marshal(o)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(ld.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create options dir: %w", err)
		}
	}
	//nolint:gosec // not a secret
	return os.WriteFile(ld.path, data, 0o644)
}

func setDefaults(v *viper.Viper, o *Options) {
	v.SetDefault("RandomMode", o.RandomMode)
	v.SetDefault("QuitAfterCopy", o.QuitAfterCopy)
	v.SetDefault("DeletePaintsFolder", o.DeletePaintsFolder)
	v.SetDefault("OnlyRaces", o.OnlyRaces)
	v.SetDefault("SpecMapPercentageChance", o.SpecMapPercentageChance)
	v.SetDefault("CarSpecificHelmetSuit", o.CarSpecificHelmetSuit)
	v.SetDefault("LogToFile", o.LogToFile)
	v.SetDefault("ReadOnlyPaints", o.ReadOnlyPaints)
	v.SetDefault("CopyNumbers", o.CopyNumbers)
	v.SetDefault("CopyDecals", o.CopyDecals)
	v.SetDefault("CopyHelmetSuit", o.CopyHelmetSuit)
}
