package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/neuroplastio/tpmiddle/internal/hidsvc"
	"github.com/neuroplastio/tpmiddle/pkg/agent"
	"github.com/spf13/cobra"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "tpmiddle"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:      filepath.Join(configDir, "data"),
		ConfigFile:   filepath.Join(configDir, "config.yml"),
		PollInterval: agent.DefaultPollInterval,
		ReadTimeout:  agent.DefaultReadTimeout,
		VirtualMouse: agent.DefaultVirtualMouse,
	}
	agentCmd := &cobra.Command{
		Use:   "tpmiddle",
		Short: "TrackPoint middle button agent",
		Long: `tpmiddle turns the middle button of ThinkPad TrackPoint keyboards into a middle click,
back/forward buttons and horizontal scrolling, and scrolls vertically for wired keyboards.`,
		SilenceUsage: true,
	}
	var a *agent.Agent
	agentProvider := func() *agent.Agent {
		return a
	}
	agentCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	agentCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "config file")
	agentCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (overrides the config file)")
	agentCmd.PersistentFlags().DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "interval between device scans")
	agentCmd.PersistentFlags().DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "timeout of a single device read")
	agentCmd.PersistentFlags().StringVar(&cfg.VirtualMouse, "virtual-mouse", cfg.VirtualMouse, "name of the virtual mouse device")
	agentCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg)
		return err
	}
	agentCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if a == nil {
			return nil
		}
		return a.Close()
	}
	agentCmd.AddCommand(NewRun(agentProvider))
	agentCmd.AddCommand(NewListDevices(agentProvider))
	return agentCmd
}

func NewRun(agent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long:  `Run the agent until interrupted. Keyboards are picked up as they are connected.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().Run(cmd.Context())
		},
	}
}

func NewListDevices(agent agentProvider) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list-devices [address...]",
		Short: "List TrackPoint keyboards",
		Long: `List the TrackPoint keyboards the agent has seen, or only the ones at the given
addresses ("linux/17ef.60e1.0").`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := lookupDevices(agent().HID(), args)
			if err != nil {
				return err
			}
			return writeDevices(cmd.OutOrStdout(), devices, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json or yaml)")
	return cmd
}

type deviceRegistry interface {
	ListInputDevices() ([]hidsvc.HidInputDevice, error)
	GetInputDevice(addr hidsvc.Address) (hidsvc.HidInputDevice, error)
}

func lookupDevices(registry deviceRegistry, args []string) ([]hidsvc.HidInputDevice, error) {
	if len(args) == 0 {
		return registry.ListInputDevices()
	}
	devices := make([]hidsvc.HidInputDevice, 0, len(args))
	for _, arg := range args {
		addr, err := hidsvc.ParseAddress(arg)
		if err != nil {
			return nil, err
		}
		dev, err := registry.GetInputDevice(addr)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func writeDevices(w io.Writer, devices []hidsvc.HidInputDevice, format string) error {
	if devices == nil {
		devices = []hidsvc.HidInputDevice{}
	}
	var (
		b   []byte
		err error
	)
	switch format {
	case "json":
		b, err = json.MarshalIndent(devices, "", "  ")
		b = append(b, '\n')
	case "yaml":
		b, err = yaml.Marshal(devices)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode devices: %w", err)
	}
	_, err = w.Write(b)
	return err
}
