package am

import (
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/teranos/patchspool/errors"
)

// CheckResult reports a strict read of a single config file
type CheckResult struct {
	Path        string
	UnknownKeys []string
	Config      *Config
}

// CheckFile decodes path strictly: keys the Config tree does not know are
// reported instead of silently ignored, and the merged result is validated.
func CheckFile(path string) (*CheckResult, error) {
	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}

	result := &CheckResult{Path: path}
	for _, key := range meta.Undecoded() {
		result.UnknownKeys = append(result.UnknownKeys, key.String())
	}
	sort.Strings(result.UnknownKeys)

	cfg, err := LoadFromFile(path)
	if err != nil {
		return result, err
	}
	result.Config = cfg
	if err := cfg.Validate(); err != nil {
		return result, errors.Wrapf(err, "%s", path)
	}
	return result, nil
}
