package config

import (
	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/redis"
)

type PresetConfigForTest struct {
	*Config
	containers []*gnomock.Container
}

// CreatePresetForTest starts one redis container per pool and returns a config
// pointing every pool at its own container
func CreatePresetForTest(pools ...string) (*PresetConfigForTest, error) {
	cfg := &Config{
		Host:      "127.0.0.1",
		Port:      7777,
		AdminHost: "127.0.0.1",
		AdminPort: 7778,
		LogLevel:  "INFO",
		Pool:      make(StoragePool),
	}
	setDefaults(cfg)

	p := redis.Preset()
	defaultContainer, err := gnomock.Start(p)
	if err != nil {
		return nil, err
	}
	cfg.Pool[DefaultPoolName] = StorageConf{Kind: KindRedis, Addr: defaultContainer.DefaultAddress()}

	containers := []*gnomock.Container{defaultContainer}
	for _, extraPool := range pools {
		if _, ok := cfg.Pool[extraPool]; ok {
			continue
		}
		extraContainer, err := gnomock.Start(p)
		if err != nil {
			gnomock.Stop(containers...)
			return nil, err
		}
		cfg.Pool[extraPool] = StorageConf{Kind: KindRedis, Addr: extraContainer.DefaultAddress()}
		containers = append(containers, extraContainer)
	}
	return &PresetConfigForTest{
		Config:     cfg,
		containers: containers,
	}, nil
}

func (presetConfig *PresetConfigForTest) Destroy() {
	gnomock.Stop(presetConfig.containers...)
	presetConfig.Config = nil
}
