// Command rfbridged is the RF-to-TCP/JSON bridge daemon: it wires
// hardware capture, protocol decoding, the client session manager, and
// (in node mode) an upstream link into a single running process (spec
// §2). PID-file and sibling-instance handling below is grounded on the
// teacher's cmd/js8d/main.go startup sequence, generalized from a
// single hardcoded sibling name to the list spec §6 names
// ("pilight-raw", "pilight-learn", "pilight-debug").
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/n0call/rfbridged/pkg/config"
	"github.com/n0call/rfbridged/pkg/engine"
	"github.com/n0call/rfbridged/pkg/logging"
)

var (
	configPath  = flag.String("config", "config.yaml", "Configuration file path")
	pidFilePath = flag.String("pidfile", "", "PID file path (default: /var/run/rfbridged.pid or ./rfbridged.pid)")
	showVersion = flag.Bool("version", false, "Show version information")
	noDaemon    = flag.Bool("nodaemon", false, "Run in the foreground (no-op here: this build never forks)")
	verbose     = flag.Bool("verbose", false, "Enable verbose (debug) logging")
)

const (
	Version = "0.1.0-dev"
	Build   = "development"
)

// siblingProcessNames are the other front-ends spec §6 says must not
// be running concurrently with the daemon, since they would contend
// for the same radio hardware.
var siblingProcessNames = []string{"pilight-raw", "pilight-learn", "pilight-debug"}

func getDefaultPidFile() string {
	systemPidFile := "/var/run/rfbridged.pid"
	if dir := filepath.Dir(systemPidFile); isWritableDir(dir) {
		return systemPidFile
	}
	return "./rfbridged.pid"
}

func isWritableDir(dir string) bool {
	if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
		testFile := filepath.Join(dir, ".rfbridged_write_test")
		if f, err := os.Create(testFile); err == nil {
			f.Close()
			os.Remove(testFile)
			return true
		}
	}
	return false
}

func createPidFile(pidFile string) error {
	if err := checkExistingPid(pidFile); err != nil {
		return err
	}
	if dir := filepath.Dir(pidFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create PID file directory: %v", err)
		}
	}
	content := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(pidFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %v", err)
	}
	return nil
}

func checkExistingPid(pidFile string) error {
	data, err := os.ReadFile(pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %v", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		os.Remove(pidFile)
		return nil
	}

	if isProcessRunning(pid) {
		return fmt.Errorf("rfbridged is already running with PID %d", pid)
	}
	os.Remove(pidFile)
	return nil
}

// isProcessRunning checks process liveness via kill(pid, 0), per spec
// §6 ("inspected to detect an already-running instance via kill(pid,
// 0)").
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func removePidFile(pidFile string) {
	if pidFile == "" {
		return
	}
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		logging.Error("main", fmt.Sprintf("failed to remove PID file %s: %v", pidFile, err))
	}
}

// checkSiblingProcesses refuses to start if any of the other
// RF front-ends are alive, matching spec §6.
func checkSiblingProcesses() error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		// /proc not available (non-Linux); nothing to check.
		return nil
	}
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(comm))
		for _, sibling := range siblingProcessNames {
			if name == sibling {
				return fmt.Errorf("refusing to start: sibling process %q (pid %s) is running", sibling, e.Name())
			}
		}
	}
	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("rfbridged version %s (%s)\n", Version, Build)
		os.Exit(0)
	}

	if err := checkSiblingProcesses(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	actualPidFile := *pidFilePath
	if actualPidFile == "" {
		actualPidFile = getDefaultPidFile()
	}

	if err := createPidFile(actualPidFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create PID file: %v\n", err)
		os.Exit(1)
	}
	defer removePidFile(actualPidFile)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.InitGlobalLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.CloseGlobalLogger()

	logging.Info("main", fmt.Sprintf("rfbridged version %s starting...", Version))
	logging.Info("main", fmt.Sprintf("PID: %d, PID file: %s", os.Getpid(), actualPidFile))
	logging.Info("main", fmt.Sprintf("mode: %s, listen: %s", cfg.Mode, cfg.Listen.Address))
	logging.Info("main", fmt.Sprintf("hardware drivers: %v", cfg.Hardware.Drivers))

	core, err := engine.NewCoreEngine(cfg)
	if err != nil {
		logging.Error("main", fmt.Sprintf("failed to build core engine: %v", err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := core.Start(); err != nil {
		logging.Error("main", fmt.Sprintf("failed to start core engine: %v", err))
		os.Exit(1)
	}
	logging.Info("main", "rfbridged started successfully")

	<-sigChan
	logging.Info("main", "shutting down...")

	if err := core.Stop(); err != nil {
		logging.Error("main", fmt.Sprintf("error during shutdown: %v", err))
	}
	logging.Info("main", "rfbridged stopped")
}
