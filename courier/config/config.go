package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidSetting is returned when a setting exists but cannot be parsed.
var ErrInvalidSetting = errors.New("invalid setting")

// Provider looks up named settings.
type Provider interface {
	Lookup(key string) (string, bool)
}

// MapProvider serves settings from memory.
type MapProvider map[string]string

func (p MapProvider) Lookup(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// EnvProvider reads settings from environment variables named Prefix followed
// by the upper-cased key, e.g. COURIER_RESERVECARCONSUMERLIMIT.
type EnvProvider struct {
	Prefix string
}

func (p EnvProvider) Lookup(key string) (string, bool) {
	return os.LookupEnv(strings.ToUpper(p.Prefix + key))
}

// ChainProvider returns the first hit among its providers.
type ChainProvider []Provider

func (c ChainProvider) Lookup(key string) (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if v, ok := p.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

func GetString(p Provider, key, fallback string) string {
	if v, ok := p.Lookup(key); ok {
		return v
	}
	return fallback
}

func GetInt(p Provider, key string, fallback int) (int, error) {
	v, ok := p.Lookup(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback, errors.Wrapf(ErrInvalidSetting, "%s=%q is not an integer", key, v)
	}
	return n, nil
}

func GetDuration(p Provider, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := p.Lookup(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback, errors.Wrapf(ErrInvalidSetting, "%s=%q is not a duration", key, v)
	}
	return d, nil
}

// ConsumerLimitKey is the setting that caps concurrent messages for an activity.
func ConsumerLimitKey(activityName string) string {
	return activityName + "ConsumerLimit"
}

// ConsumerLimit reads the consumer limit of activityName. It defaults to the
// number of CPUs and must be positive.
func ConsumerLimit(p Provider, activityName string) (int, error) {
	key := ConsumerLimitKey(activityName)
	n, err := GetInt(p, key, runtime.NumCPU())
	if err != nil {
		return runtime.NumCPU(), err
	}
	if n < 1 {
		return runtime.NumCPU(), errors.Wrapf(ErrInvalidSetting, "%s=%d must be positive", key, n)
	}
	return n, nil
}
