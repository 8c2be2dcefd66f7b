package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kardianos/service"

	"octoconnect/config"
	"octoconnect/discovery"
	"octoconnect/logger"
	"octoconnect/octoprint"
	"octoconnect/registry"
	"octoconnect/storage"
)

// version is set at build time via -ldflags
var version = "dev"

const configFileName = "octoconnect.toml"

var runningAsService bool

func main() {
	serviceCmd := flag.String("service", "", "Service command: install, uninstall, start, stop, run")
	configPath := flag.String("config", "", "Path to config file (searched for when empty)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("octoconnect %s\n", version)
		return
	}

	if *serviceCmd != "" {
		if err := handleServiceCommand(*serviceCmd); err != nil {
			fmt.Fprintf(os.Stderr, "service %s failed: %v\n", *serviceCmd, err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "octoconnect: %v\n", err)
		os.Exit(1)
	}
}

// run is the connector entry point shared by interactive and service mode.
// It wires configuration, logging, storage and the instance registry, then
// blocks until the context is canceled.
func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnvOverrides()

	logDir, err := config.LogDirectory(runningAsService)
	if err != nil {
		logDir = ""
	}
	log := logger.New(logger.LevelFromString(cfg.Logging.Level), logDir, 1000)
	defer log.Close()

	storage.SetLogger(log)
	discovery.SetLogger(log)
	octoprint.SetLogger(log)
	registry.SetLogger(log)

	log.Info("Starting octoconnect", "version", version)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dataDir, err := config.DataDirectory(runningAsService)
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "octoconnect.db")
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	provider := config.NewProvider(cfg, store)
	reg := registry.New(provider, store, hostCallbacks(log))
	if err := reg.StartDiscovery(); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down")
	reg.Stop()
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	path, _, err := config.FindConfigFile(configFileName)
	if err != nil {
		// First run; fall back to defaults and leave a file for next time.
		cfg := config.Default()
		for _, candidate := range config.ConfigSearchPaths(configFileName) {
			if err := config.WriteDefault(candidate); err == nil {
				break
			}
		}
		return cfg, nil
	}
	return config.Load(path)
}

// hostCallbacks is the headless stand-in for a host application: device
// events are logged, and prompts resolve to their default choice.
func hostCallbacks(log *logger.Logger) *octoprint.Callbacks {
	return &octoprint.Callbacks{
		ConnectionStateChanged: func(id string, state octoprint.ConnectionState) {
			log.Info("Connection state changed", "instance", id, "state", state.String())
		},
		PrinterUpdated: func(id string, view octoprint.PrinterView) {
			log.Debug("Printer updated", "instance", id, "state", view.State)
		},
		JobUpdated: func(id string, view octoprint.JobView) {
			log.Debug("Job updated", "instance", id, "state", view.State, "name", view.Name)
		},
		UploadDone: func(id string, err error) {
			if err != nil {
				log.Warn("Upload finished with error", "instance", id, "error", err)
				return
			}
			log.Info("Upload finished", "instance", id)
		},
		Message: func(id string, kind octoprint.MessageKind, text string) {
			switch kind {
			case octoprint.MessageError:
				log.Error(text, "instance", id)
			case octoprint.MessageWarning:
				log.Warn(text, "instance", id)
			default:
				log.Info(text, "instance", id)
			}
		},
	}
}

func handleServiceCommand(command string) error {
	prg := &program{}
	svc, err := service.New(prg, getServiceConfig())
	if err != nil {
		return err
	}

	switch command {
	case "install":
		return svc.Install()
	case "uninstall":
		return svc.Uninstall()
	case "start":
		return svc.Start()
	case "stop":
		return svc.Stop()
	case "run":
		runningAsService = true
		return svc.Run()
	default:
		return fmt.Errorf("unknown service command %q", command)
	}
}
