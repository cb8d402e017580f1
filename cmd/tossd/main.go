// Package main provides the CLI entry point for the Toss Core reference
// host: a cobra-based harness that exercises every internal/core
// operation for manual and integration testing. It is not a client UI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tosslabs/toss-core/internal/clipboard"
	"github.com/tosslabs/toss-core/internal/config"
	"github.com/tosslabs/toss-core/internal/control"
	"github.com/tosslabs/toss-core/internal/core"
	"github.com/tosslabs/toss-core/internal/events"
	"github.com/tosslabs/toss-core/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var dataDir string
	var socketPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     "tossd",
		Short:   "Toss Core reference host",
		Version: Version,
		Long: `tossd embeds internal/core and exposes its host operations as CLI
subcommands: pairing, clipboard sync, device management, and status.

It is a reference harness, not the Toss client application.`,
	}
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for identity, storage, and the control socket")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control socket path (default <data-dir>/control.sock)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	resolveSocket := func() string {
		if socketPath != "" {
			return socketPath
		}
		return filepath.Join(dataDir, "control.sock")
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "status", Title: "Status:"})
	rootCmd.AddGroup(&cobra.Group{ID: "sync", Title: "Clipboard Sync:"})
	rootCmd.AddGroup(&cobra.Group{ID: "pairing", Title: "Pairing:"})

	for _, c := range []*cobra.Command{initCmd(&dataDir), runCmd(&dataDir, resolveSocket, &logLevel)} {
		c.GroupID = "start"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{statusCmd(resolveSocket), devicesCmd(&dataDir, &logLevel)} {
		c.GroupID = "status"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{historyCmd(&dataDir, &logLevel), sendCmd(&dataDir, &logLevel)} {
		c.GroupID = "sync"
		rootCmd.AddCommand(c)
	}
	pair := pairCmd(&dataDir, &logLevel)
	pair.GroupID = "pairing"
	rootCmd.AddCommand(pair)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openCore constructs a Core against dataDir. Callers that need live
// network operations (pairing, sending, connected-device queries) must
// additionally call StartNetwork before using the result.
func openCore(dataDir, logLevel string) (*core.Core, error) {
	logger := logging.NewLogger(logLevel, "text")

	cfgPath := filepath.Join(dataDir, "config.yaml")
	cfg := config.Default()
	if loaded, err := config.Load(cfgPath); err == nil {
		cfg = loaded
	}

	return core.New(core.Options{
		DataDir: dataDir,
		Config:  cfg,
		Logger:  logger,
	})
}

// withNetworkCore opens a Core, starts its network stack on an ephemeral
// port, runs fn, then shuts the core down. Used by one-shot subcommands
// (pair, send) that need a live QUIC listener and mDNS advertisement for
// the duration of a single operation.
func withNetworkCore(dataDir, logLevel string, fn func(ctx context.Context, c *core.Core) error) error {
	c, err := openCore(dataDir, logLevel)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.StartNetwork(ctx, ":0"); err != nil {
		c.Shutdown(ctx)
		return fmt.Errorf("start network: %w", err)
	}

	err = fn(ctx, c)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := c.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

func initCmd(dataDir *string) *cobra.Command {
	var deviceName string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a device identity and local storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := core.New(core.Options{DataDir: *dataDir, DeviceName: deviceName})
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer c.Shutdown(context.Background())

			fmt.Printf("Device ID: %s\n", c.GetDeviceID())
			fmt.Printf("Data dir:  %s\n", *dataDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "name", "", "Display name for this device (default: hostname)")
	return cmd
}

func runCmd(dataDir *string, resolveSocket func() string, logLevel *string) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run as a long-lived sync host",
		Long: `Start the clipboard sync host: opens the QUIC listener, advertises over
mDNS, connects to the relay if configured, and serves status/metrics over a
Unix socket until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := c.StartNetwork(ctx, listenAddr); err != nil {
				c.Shutdown(context.Background())
				return fmt.Errorf("start network: %w", err)
			}

			ctrl := control.NewServer(control.ServerConfig{SocketPath: resolveSocket()}, c)
			if err := ctrl.Start(); err != nil {
				c.Shutdown(context.Background())
				return fmt.Errorf("start control server: %w", err)
			}

			fmt.Printf("tossd running\n")
			fmt.Printf("  Device ID: %s\n", c.GetDeviceID())
			fmt.Printf("  Control:   %s\n", resolveSocket())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nreceived %v, shutting down...\n", sig)

			ctrl.Stop()
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := c.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			fmt.Println("stopped.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", ":4337", "QUIC listen address")
	return cmd
}

func statusCmd(resolveSocket func() string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running tossd instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.DialContext(resolveSocket())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/healthz", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("connect to tossd (is 'tossd run' active?): %w", err)
			}
			defer resp.Body.Close()

			var status control.Status
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("Running:         %v\n", status.Running)
			fmt.Printf("Device ID:       %s\n", status.DeviceID)
			fmt.Printf("Device name:     %s\n", status.DeviceName)
			fmt.Printf("Paired devices:  %d\n", status.PairedDevices)
			fmt.Printf("Connected peers: %d\n", status.ConnectedPeers)
			fmt.Printf("Relay connected: %v\n", status.RelayConnected)
			if status.ReflexiveAddr != "" {
				fmt.Printf("Reflexive addr:  %s\n", status.ReflexiveAddr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func devicesCmd(dataDir, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage paired devices",
	}
	cmd.AddCommand(devicesListCmd(dataDir, logLevel))
	cmd.AddCommand(devicesRemoveCmd(dataDir, logLevel))
	cmd.AddCommand(devicesRenameCmd(dataDir, logLevel))
	cmd.AddCommand(devicesSyncCmd(dataDir, logLevel))
	return cmd
}

func devicesListCmd(dataDir, logLevel *string) *cobra.Command {
	var connectedOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			var devices []core.PairedDevice
			if connectedOnly {
				devices, err = c.GetConnectedDevices()
			} else {
				devices, err = c.GetPairedDevices()
			}
			if err != nil {
				return err
			}

			if len(devices) == 0 {
				fmt.Println("No devices.")
				return nil
			}
			fmt.Printf("%-18s %-20s %-10s %-8s %-6s\n", "DEVICE ID", "NAME", "PLATFORM", "ACTIVE", "SYNC")
			for _, d := range devices {
				fmt.Printf("%-18s %-20s %-10s %-8v %-6v\n", d.DeviceID[:16], d.Name, d.Platform, d.Active, d.SyncEnabled)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&connectedOnly, "connected", false, "Only show currently connected devices")
	return cmd
}

func devicesRemoveCmd(dataDir, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <device-id>",
		Short: "Unpair a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())
			return c.RemoveDevice(args[0])
		},
	}
}

func devicesRenameCmd(dataDir, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <device-id> <name>",
		Short: "Set the local display name for a paired device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())
			return c.RenameDevice(args[0], args[1])
		},
	}
}

func devicesSyncCmd(dataDir, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <device-id> <true|false>",
		Short: "Toggle clipboard sync for a paired device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[1] == "true"
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())
			return c.SetDeviceSync(args[0], enabled)
		},
	}
}

func historyCmd(dataDir, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage clipboard history",
	}
	cmd.AddCommand(historyListCmd(dataDir, logLevel))
	cmd.AddCommand(historyShowCmd(dataDir, logLevel))
	cmd.AddCommand(historyRemoveCmd(dataDir, logLevel))
	cmd.AddCommand(historyClearCmd(dataDir, logLevel))
	return cmd
}

func historyListCmd(dataDir, logLevel *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clipboard history entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			items, err := c.GetClipboardHistory(limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No history.")
				return nil
			}
			for _, item := range items {
				source := item.SourceDeviceID
				if source == "" {
					source = "local"
				}
				fmt.Printf("%s  %-10s  %-8s  %-16s  %s\n",
					item.ID, item.ContentType, humanize.Bytes(uint64(item.SizeBytes)), source, item.Preview)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries (0 for unlimited)")
	return cmd
}

func historyShowCmd(dataDir, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Decrypt and print one history entry's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			content, err := c.GetClipboardHistoryContent(args[0])
			if err != nil {
				return err
			}
			if content.Type == clipboard.TypePlainText || content.Type == clipboard.TypeURL {
				fmt.Println(content.Text)
				return nil
			}
			fmt.Printf("(%d bytes of %v content; not a text type)\n", len(content.Encode()), content.Type)
			return nil
		},
	}
}

func historyRemoveCmd(dataDir, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete one history entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())
			return c.RemoveHistoryItem(args[0])
		},
	}
}

func historyClearCmd(dataDir, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every history entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(*dataDir, *logLevel)
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())
			return c.ClearClipboardHistory()
		},
	}
}

func sendCmd(dataDir, logLevel *string) *cobra.Command {
	var waitSeconds int

	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send text to every connected, sync-enabled peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNetworkCore(*dataDir, *logLevel, func(ctx context.Context, c *core.Core) error {
				time.Sleep(time.Duration(waitSeconds) * time.Second) // let peer links establish
				if err := c.SendText(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("sent %s to %d connected peer(s)\n", humanize.Bytes(uint64(len(args[0]))), len(c.SyncEnabledConnected()))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&waitSeconds, "wait", 2, "Seconds to wait for peer connections before sending")
	return cmd
}

func pairCmd(dataDir, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with another device",
	}
	cmd.AddCommand(pairStartCmd(dataDir, logLevel))
	cmd.AddCommand(pairCodeCmd(dataDir, logLevel))
	cmd.AddCommand(pairQRCmd(dataDir, logLevel))
	return cmd
}

func pairStartCmd(dataDir, logLevel *string) *cobra.Command {
	var timeoutSeconds int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Advertise a pairing window and print the 6-digit code",
		Long: `Opens a pairing window, advertises it over mDNS (and the relay, if
configured), prints the code to enter on the other device, and waits for
the exchange to complete or the window to expire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNetworkCore(*dataDir, *logLevel, func(ctx context.Context, c *core.Core) error {
				adv, err := c.StartPairing(ctx)
				if err != nil {
					return fmt.Errorf("start pairing: %w", err)
				}
				fmt.Printf("Pairing code: %s\n", adv.Code)
				fmt.Printf("QR payload: %s\n", adv.QRPayload)
				fmt.Printf("Public key: %s\n", adv.PublicKeyB64)
				fmt.Printf("Enter this on the other device within %d seconds.\n", timeoutSeconds)

				deadline := time.After(time.Duration(timeoutSeconds) * time.Second)
				for {
					if ev, ok := c.PollEvent(); ok {
						switch ev.Kind {
						case events.KindDeviceConnected:
							fmt.Printf("Paired with %s (%s)\n", ev.Peer.Name, ev.Peer.DeviceID[:16])
							return nil
						case events.KindError:
							return fmt.Errorf("pairing failed: %s", ev.Message)
						}
					}
					select {
					case <-deadline:
						c.CancelPairing()
						return fmt.Errorf("pairing window expired")
					case <-time.After(200 * time.Millisecond):
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 60, "Seconds to keep the pairing window open")
	return cmd
}

func pairCodeCmd(dataDir, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "code <6-digit-code>",
		Short: "Complete pairing by entering the advertiser's code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNetworkCore(*dataDir, *logLevel, func(ctx context.Context, c *core.Core) error {
				peerID, err := c.CompletePairingCode(ctx, args[0])
				if err != nil {
					return fmt.Errorf("complete pairing: %w", err)
				}
				fmt.Printf("Paired with device %s\n", peerID)
				return nil
			})
		},
	}
}

func pairQRCmd(dataDir, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "qr <code@host:port>",
		Short: "Complete pairing from a scanned QR payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNetworkCore(*dataDir, *logLevel, func(ctx context.Context, c *core.Core) error {
				peerID, err := c.CompletePairingQR(ctx, args[0])
				if err != nil {
					return fmt.Errorf("complete pairing: %w", err)
				}
				fmt.Printf("Paired with device %s\n", peerID)
				return nil
			})
		},
	}
}
