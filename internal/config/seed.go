package config

import (
	"fmt"

	"github.com/spf13/viper"

	"homehub/internal/store"
)

// LoadSeed reads a provisioning file in any format viper understands.
func LoadSeed(path string) (*store.Seed, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed store.Seed
	if err := v.Unmarshal(&seed); err != nil {
		return nil, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return &seed, nil
}
