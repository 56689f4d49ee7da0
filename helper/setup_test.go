package helper

import (
	"fmt"
	"os"
	"testing"

	"github.com/bitleak/eq/config"
)

var (
	CONF *config.Config
)

func TestMain(m *testing.M) {
	if os.Getenv("EQ_SKIP_DOCKER") != "" {
		fmt.Println("skip redis helper tests, EQ_SKIP_DOCKER is set")
		os.Exit(0)
	}
	presetConfig, err := config.CreatePresetForTest()
	if err != nil {
		panic(fmt.Sprintf("CreatePresetForTest failed with error: %s", err))
	}
	CONF = presetConfig.Config
	ret := m.Run()
	presetConfig.Destroy()
	os.Exit(ret)
}
