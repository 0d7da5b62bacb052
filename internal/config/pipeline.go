package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PipelinePolicy holds the tunable retry and polling behaviour of the
// transmission pipeline. It is hot-reloaded from pipeline.yml.
type PipelinePolicy struct {
	Poll                 PollPolicy    `mapstructure:"poll"`
	Retry                RetryPolicy   `mapstructure:"retry"`
	StaleProcessingAfter time.Duration `mapstructure:"staleProcessingAfter"`
}

type PollPolicy struct {
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxWait         time.Duration `mapstructure:"maxWait"`
}

// RetryPolicy governs automatic resubmission of events whose transmission
// failed with a retryable error.
type RetryPolicy struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

func DefaultPipelinePolicy() PipelinePolicy {
	return PipelinePolicy{
		Poll: PollPolicy{
			InitialInterval: 30 * time.Second,
			MaxInterval:     10 * time.Minute,
			Multiplier:      2,
			MaxWait:         24 * time.Hour,
		},
		Retry: RetryPolicy{
			Enabled:         true,
			MaxAttempts:     5,
			InitialInterval: time.Minute,
			MaxInterval:     30 * time.Minute,
			Multiplier:      2,
		},
		StaleProcessingAfter: 15 * time.Minute,
	}
}

type PolicyHolder struct {
	current atomic.Value // holds PipelinePolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(policy PipelinePolicy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.pipeline")
	v := viper.New()

	v.SetConfigName("pipeline")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/esocialgw/config")
	v.AddConfigPath("/etc/esocialgw")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ESOCIALGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPipelinePolicy()
	v.SetDefault("pipeline.poll.initialInterval", defaults.Poll.InitialInterval)
	v.SetDefault("pipeline.poll.maxInterval", defaults.Poll.MaxInterval)
	v.SetDefault("pipeline.poll.multiplier", defaults.Poll.Multiplier)
	v.SetDefault("pipeline.poll.maxWait", defaults.Poll.MaxWait)
	v.SetDefault("pipeline.retry.enabled", defaults.Retry.Enabled)
	v.SetDefault("pipeline.retry.maxAttempts", defaults.Retry.MaxAttempts)
	v.SetDefault("pipeline.retry.initialInterval", defaults.Retry.InitialInterval)
	v.SetDefault("pipeline.retry.maxInterval", defaults.Retry.MaxInterval)
	v.SetDefault("pipeline.retry.multiplier", defaults.Retry.Multiplier)
	v.SetDefault("pipeline.staleProcessingAfter", defaults.StaleProcessingAfter)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	var policy PipelinePolicy
	if err := v.UnmarshalKey("pipeline", &policy); err != nil {
		return nil, err
	}
	if err := ValidatePipelinePolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PipelinePolicy
		if err := v.UnmarshalKey("pipeline", &updated); err != nil {
			log.Warn("pipeline policy reload failed", zap.Error(err))
			return
		}
		if err := ValidatePipelinePolicy(updated); err != nil {
			log.Warn("invalid pipeline policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pipeline policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() PipelinePolicy {
	return h.current.Load().(PipelinePolicy)
}

func ValidatePipelinePolicy(p PipelinePolicy) error {
	if p.Poll.InitialInterval <= 0 || p.Poll.MaxInterval <= 0 {
		return errors.New("pipeline.poll intervals must be positive")
	}
	if p.Poll.MaxInterval < p.Poll.InitialInterval {
		return errors.New("pipeline.poll.maxInterval must not be below initialInterval")
	}
	if p.Poll.Multiplier < 1 {
		return errors.New("pipeline.poll.multiplier must be >= 1")
	}
	if p.Poll.MaxWait <= 0 {
		return errors.New("pipeline.poll.maxWait must be positive")
	}
	if p.Retry.Enabled {
		if p.Retry.MaxAttempts <= 0 {
			return errors.New("pipeline.retry.maxAttempts must be positive")
		}
		if p.Retry.InitialInterval <= 0 || p.Retry.MaxInterval < p.Retry.InitialInterval {
			return errors.New("pipeline.retry intervals are inconsistent")
		}
		if p.Retry.Multiplier < 1 {
			return errors.New("pipeline.retry.multiplier must be >= 1")
		}
	}
	if p.StaleProcessingAfter <= 0 {
		return errors.New("pipeline.staleProcessingAfter must be positive")
	}
	return nil
}
