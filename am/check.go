package am

import (
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// secretKeys are masked by `config show`
var secretKeys = []string{"openrouter.api_key", "notify.telegram.token", "notify.amqp.url"}

// KnownKeys returns every dotted key with a default, sorted
func KnownKeys() []string {
	v := viper.New()
	SetDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// IsKnownKey reports whether key is a leaf config key
func IsKnownKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range KnownKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// CheckFile parses a TOML config file and returns keys that idealgen does not understand.
// Unknown keys are silently ignored by Load, so this is the only place typos surface.
func CheckFile(path string) ([]string, error) {
	var raw map[string]interface{}
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return nil, errors.WithDetail(errors.Wrapf(err, "invalid TOML in %s", path), perr.ErrorWithPosition())
		}
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	known := make(map[string]bool)
	for _, k := range KnownKeys() {
		known[k] = true
	}

	var unknown []string
	for _, key := range md.Keys() {
		if md.Type(key...) == "Hash" {
			continue
		}
		dotted := strings.ToLower(key.String())
		if !known[dotted] {
			unknown = append(unknown, dotted)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// MaskedSettings returns the effective settings with secrets replaced
func MaskedSettings(v *viper.Viper) map[string]interface{} {
	settings := v.AllSettings()
	for _, key := range secretKeys {
		parts := strings.Split(key, ".")
		section := settings
		for _, part := range parts[:len(parts)-1] {
			next, ok := section[part].(map[string]interface{})
			if !ok {
				section = nil
				break
			}
			section = next
		}
		if section == nil {
			continue
		}
		if s, ok := section[parts[len(parts)-1]].(string); ok && s != "" {
			section[parts[len(parts)-1]] = "********"
		}
	}
	return settings
}
