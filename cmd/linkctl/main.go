// linkctl runs the LoRaWAN Link Controller as a standalone service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/x2e/lora-link/internal/audit"
	"github.com/x2e/lora-link/internal/diodispatch"
	"github.com/x2e/lora-link/internal/link"
	"github.com/x2e/lora-link/internal/mac"
	"github.com/x2e/lora-link/internal/monitor"
	"github.com/x2e/lora-link/internal/preserved"
	"github.com/x2e/lora-link/internal/radio"
	"github.com/x2e/lora-link/internal/settings"
)

// Config represents the configuration file structure.
type Config struct {
	Device struct {
		HWMac string `yaml:"hw_mac"` // 6-byte hex MAC address, used to derive a default DevEUI
	} `yaml:"device"`

	Radio struct {
		SubGhzCommandURL  string `yaml:"subghz_command_url"`
		SubGhzEventURL    string `yaml:"subghz_event_url"`
		Ism2400CommandURL string `yaml:"ism2400_command_url"`
		Ism2400EventURL   string `yaml:"ism2400_event_url"`
	} `yaml:"radio"`

	Settings struct {
		Path string `yaml:"path"`
	} `yaml:"settings"`

	Provisioning struct {
		ID      string `yaml:"id"`      // ASCII provisioning identity, max 32 bytes
		Mainnet bool   `yaml:"mainnet"` // provision onto the main network rather than test
	} `yaml:"provisioning"`

	Audit struct {
		Path string `yaml:"path"`
	} `yaml:"audit"`

	Monitor struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"monitor"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Adr           bool `yaml:"adr"`
	WakeFromSleep bool `yaml:"wake_from_sleep"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "linkctl",
		Short: "LoRaWAN Link Controller",
		Long:  "Dual-radio LoRaWAN end-device link layer controller: provisioning, join, and send/retry/sleep cycle.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the link controller service",
		RunE:  runLinkController,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("linkctl v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/linkctl/linkctl.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func parseHWMac(s string) ([6]byte, error) {
	var mac [6]byte
	if s == "" {
		return mac, nil
	}
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("invalid hw_mac %q, expected xx:xx:xx:xx:xx:xx", s)
	}
	return mac, nil
}

func runLinkController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	hwMac, err := parseHWMac(cfg.Device.HWMac)
	if err != nil {
		return err
	}

	if cfg.Settings.Path == "" {
		return fmt.Errorf("settings.path is required")
	}
	settingsStore := settings.NewStore(cfg.Settings.Path)
	preservedStore := preserved.NewStore()

	var auditDB *audit.DB
	if cfg.Audit.Path != "" {
		auditDB, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer auditDB.Close()
	}

	var monitorServer *monitor.Server
	if cfg.Monitor.ListenAddr != "" {
		monCfg := monitor.DefaultConfig()
		monCfg.ListenAddr = cfg.Monitor.ListenAddr
		monitorServer = monitor.New(monCfg)
		monitorServer.Start()
	}

	var subGhzZmq, ismZmq *radio.ZmqTransceiver
	var subGhz, ism radio.Transceiver
	if cfg.Radio.SubGhzCommandURL != "" {
		t := radio.NewZmqTransceiver(radio.ZmqConfig{
			Band: radio.SubGhz, CommandURL: cfg.Radio.SubGhzCommandURL, EventURL: cfg.Radio.SubGhzEventURL,
		})
		if err := t.Init(); err != nil {
			return fmt.Errorf("failed to init sub-GHz radio: %w", err)
		}
		subGhzZmq, subGhz = t, t
	}
	if cfg.Radio.Ism2400CommandURL != "" {
		t := radio.NewZmqTransceiver(radio.ZmqConfig{
			Band: radio.Ism2400, CommandURL: cfg.Radio.Ism2400CommandURL, EventURL: cfg.Radio.Ism2400EventURL,
		})
		if err := t.Init(); err != nil {
			return fmt.Errorf("failed to init ISM2400 radio: %w", err)
		}
		ismZmq, ism = t, t
	}
	selector := radio.NewSelector(subGhz, ism)
	dispatcher := diodispatch.New(selector)
	// Wire each chip's ISR-equivalent DIO1 edge straight into the
	// dispatcher's bounded queue, rather than relying on some other poll
	// to notice the edge.
	if subGhzZmq != nil {
		subGhzZmq.SetEdgeNotifier(func() { dispatcher.NotifyEdge(radio.SubGhz) })
	}
	if ismZmq != nil {
		ismZmq.SetEdgeNotifier(func() { dispatcher.NotifyEdge(radio.Ism2400) })
	}

	ctrl := link.New(link.Config{
		Mac:         mac.NewFake(mac.DefaultFakeConfig()),
		Selector:    selector,
		Dispatch:    dispatcher,
		Settings:    settingsStore,
		Preserved:   preservedStore,
		Audit:       auditDB,
		Monitor:     monitorServer,
		HWMac:       hwMac,
		ProvisionID: cfg.Provisioning.ID,
		Mainnet:     cfg.Provisioning.Mainnet,
		Adr:         cfg.Adr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Println("starting linkctl")
	if err := ctrl.Start(cfg.WakeFromSleep); err != nil {
		return fmt.Errorf("failed to start link controller: %w", err)
	}

	sig := <-sigChan
	log.Printf("received signal %v, shutting down...", sig)

	ctrl.Stop()
	if monitorServer != nil {
		monitorServer.Stop(ctx)
	}

	log.Println("shutdown complete")
	return nil
}
