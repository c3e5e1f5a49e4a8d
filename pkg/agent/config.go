package agent

import (
	"time"

	"github.com/neuroplastio/tpmiddle/internal/hidsvc"
	"github.com/neuroplastio/tpmiddle/internal/trackpoint"
)

// Config points to the on-disk state of the agent. It is assembled from the
// command line flags.
type Config struct {
	DataDir    string `json:"dataDir"`
	ConfigFile string `json:"configFile"`
	// LogLevel overrides the level from the config file when set.
	LogLevel string `json:"logLevel"`

	PollInterval time.Duration `json:"pollInterval"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	// VirtualMouse is the uhid device name of the synthesized mouse.
	VirtualMouse string `json:"virtualMouse"`
}

const (
	DefaultPollInterval = time.Second
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultVirtualMouse = "tpmiddle"
)

func (c Config) virtualMouseAddress() hidsvc.Address {
	name := c.VirtualMouse
	if name == "" {
		name = DefaultVirtualMouse
	}
	return hidsvc.Address{Backend: "linux", ID: "uhid:" + name}
}

// FileConfig is the content of the config file. It is created with defaults on
// first start and reloaded while the agent runs.
type FileConfig struct {
	LogLevel string `json:"logLevel"`
	// Devices lists additional vendor/product ids of TrackPoint keyboards
	// that use the same report layout as the built-in ones.
	Devices []trackpoint.Product `json:"devices"`
}

var DefaultFileConfig = FileConfig{
	LogLevel: "info",
	Devices:  []trackpoint.Product{},
}
