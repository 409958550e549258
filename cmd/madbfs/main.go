// Command madbfs mounts an Android device's filesystem over ADB. It
// resolves a device, connects (preferring the on-device RPC helper,
// falling back to ADB shell), and serves filesystem calls through the
// orchestrator until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mrizaln/madbfs/internal/adb"
	"github.com/mrizaln/madbfs/internal/config"
	"github.com/mrizaln/madbfs/internal/madbfslog"
	"github.com/mrizaln/madbfs/internal/orchestrator"
)

const (
	exitOK            = 0
	exitConfig        = 1
	exitMissingTarget = 2
)

var flags struct {
	serial       string
	server       string
	logLevel     string
	logFile      string
	cacheSizeMiB int
	pageSizeKiB  int
	ttlSeconds   int
	timeoutSec   int
	port         int
	noServer     bool
}

var rootCmd = &cobra.Command{
	Use:   "madbfs <mountpoint>",
	Short: "Mount an Android device's filesystem over ADB",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mountpoint := args[0]
		if _, err := os.Stat(mountpoint); err != nil {
			fmt.Fprintf(os.Stderr, "madbfs: mount point %s: %v\n", mountpoint, err)
			os.Exit(exitMissingTarget)
		}
		return runMount(mountpoint)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.serial, "serial", os.Getenv("ANDROID_SERIAL"), "device serial")
	f.StringVar(&flags.server, "server", "", "path to the on-device helper binary")
	f.StringVar(&flags.logLevel, "log-level", "warn", "trace|debug|info|warn|err|critical|off")
	f.StringVar(&flags.logFile, "log-file", "-", "log file path, \"-\" for stdout")
	f.IntVar(&flags.cacheSizeMiB, "cache-size", config.DefaultCacheSizeMiB, "page cache size in MiB")
	f.IntVar(&flags.pageSizeKiB, "page-size", config.DefaultPageSizeKiB, "page size in KiB")
	f.IntVar(&flags.ttlSeconds, "ttl", config.DefaultTTLSeconds, "stat TTL in seconds, 0 disables")
	f.IntVar(&flags.timeoutSec, "timeout", config.DefaultTimeoutSec, "per-call timeout in seconds, 0 disables")
	f.IntVar(&flags.port, "port", config.DefaultPort, "on-device helper TCP port")
	f.BoolVar(&flags.noServer, "no-server", false, "skip attempting to launch/use the on-device helper")
}

func runMount(mountpoint string) error {
	serial, err := adb.ChooseDevice("", flags.serial, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "madbfs:", err)
		os.Exit(exitConfig)
	}

	cfg, err := config.New(
		serial, flags.server, flags.logLevel, flags.logFile,
		flags.cacheSizeMiB, flags.pageSizeKiB, flags.ttlSeconds, flags.timeoutSec,
		flags.port, flags.noServer,
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "madbfs:", err)
		os.Exit(exitConfig)
	}

	logger, err := madbfslog.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "madbfs:", err)
		os.Exit(exitConfig)
	}
	hook := madbfslog.NewFanoutHook()
	logger.AddHook(hook)

	mount, err := orchestrator.Start(cfg, logger, hook)
	if err != nil {
		return err
	}
	logger.WithFields(logrusFields(cfg, mountpoint, mount)).Info("madbfs: mounted")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("madbfs: shutting down")
	return mount.Shutdown()
}

func logrusFields(cfg config.Config, mountpoint string, mount *orchestrator.Mount) map[string]interface{} {
	return map[string]interface{}{
		"serial":     cfg.Serial,
		"mountpoint": mountpoint,
		"using_rpc":  mount.UsingRPC(),
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}
