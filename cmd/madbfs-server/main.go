// Command madbfs-server is the on-device RPC helper: it listens on a
// TCP port and serves local filesystem calls, each accepted client on its
// own goroutine with its calls handled serially, translating every call
// through the Stat/Listdir/
// Readlink/Mknod/Mkdir/Unlink/Rmdir/Rename/Truncate/Utimens/
// CopyFileRange/Open/Close/Read/Write procedure set.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mrizaln/madbfs/internal/config"
	"github.com/mrizaln/madbfs/internal/rpc"
)

var (
	port    int
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "madbfs-server",
	Short: "Run the madbfs on-device RPC helper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(port, verbose)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVar(&port, "port", config.DefaultPort, "TCP port to listen on")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log every accepted connection")
}

func run(port int, verbose bool) error {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.WithField("addr", ln.Addr()).Info("madbfs-server: listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.WithError(err).Warn("madbfs-server: accept")
			continue
		}
		go serve(conn, logger)
	}
}

func serve(conn net.Conn, logger *logrus.Logger) {
	defer conn.Close()

	if err := rpc.ServerHandshake(conn); err != nil {
		logger.WithError(err).Warn("madbfs-server: handshake failed")
		return
	}
	logger.WithField("remote", conn.RemoteAddr()).Debug("madbfs-server: client connected")

	srv := rpc.NewServer()
	srv.Serve(conn)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
