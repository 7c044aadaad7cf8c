package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"e2e_multidevice/internal/errs"
	"e2e_multidevice/internal/model"
	"e2e_multidevice/internal/repository/history"
	"e2e_multidevice/internal/sender"
	"e2e_multidevice/internal/service/app"

	"github.com/spf13/cobra"
)

var deviceName string

// register <name> <password>: create an account with this host as device 1.
func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <name> <password>",
		Short: "Create a new account with this device as its primary device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Register(cmd.Context(), args[0], args[1], deviceName); err != nil {
				return err
			}
			fmt.Printf("registered %s.1\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "device-name", "", "human readable name of this device")
	return cmd
}

// provision: print the code another device uses to join this account.
func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Print a provisioning code for linking another device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := client.ExportProvisioning(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(code)
			return nil
		},
	}
}

// link <code> <password>: join an existing account as a new device.
func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <code> <password>",
		Short: "Link this host to an existing account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Link(cmd.Context(), args[0], args[1], deviceName); err != nil {
				return err
			}
			if err := client.Open(cmd.Context(), app.Events{}); err != nil {
				return err
			}
			fmt.Printf("linked as %s\n", client.Self())
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "device-name", "", "human readable name of this device")
	return cmd
}

// chat <to>: interactive conversation window.
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <to>",
		Short: "Open an interactive conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			console := app.NewConsole(client, args[0])
			if err := client.Open(cmd.Context(), console.Events()); err != nil {
				return err
			}
			return console.Run(cmd.Context())
		},
	}
}

// send <to> <message>: one-shot delivery without a socket.
func sendCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "send <to> <message>",
		Short: "Encrypt and send one message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Open(cmd.Context(), app.Events{}); err != nil {
				return err
			}

			var attachments []sender.Attachment
			for _, f := range files {
				data, err := os.ReadFile(f)
				if err != nil {
					return err
				}
				attachments = append(attachments, sender.Attachment{Data: data, ContentType: contentType(f)})
			}

			msg, err := client.Send(cmd.Context(), args[0], args[1], attachments...)
			if err != nil {
				return err
			}
			for _, s := range msg.Sent() {
				fmt.Printf("sent to %s devices %v\n", s.Addr, s.Devices)
			}
			for _, f := range msg.Errors() {
				fmt.Printf("failed for %s: %v\n", f.Addr, f.Err)
				if errs.IsKind(f.Err, errs.KindOutgoingIdentityKey) {
					fmt.Println("  the recipient's identity key changed; verify it before sending again")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&files, "attach", nil, "files to attach")
	return cmd
}

// sync: ask the other devices for missing history and print what merged.
func syncCmd() *cobra.Command {
	var (
		devices []uint
		wait    time.Duration
		info    bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Request history or device info from this account's other devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			err := client.Open(ctx, app.Events{
				Synced: func(id string, stats history.MergeStats) {
					fmt.Printf("merged %d messages, %d threads, %d contacts, %d devices\n",
						stats.Messages, stats.Threads, stats.Contacts, stats.Devices)
				},
				Error: func(err error) { fmt.Fprintln(os.Stderr, "error:", err) },
			})
			if err != nil {
				return err
			}

			ids := make([]uint32, 0, len(devices))
			for _, d := range devices {
				ids = append(ids, uint32(d))
			}

			go func() {
				var id string
				var err error
				if info {
					id, err = client.RequestDeviceInfo(ctx, ids)
				} else {
					id, err = client.RequestSync(ctx, ids)
				}
				if err != nil {
					fmt.Fprintln(os.Stderr, "request failed:", err)
					cancel()
					return
				}
				fmt.Println("request", id, "sent")
			}()

			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			if info {
				printDeviceInfo(cmd.Context())
			}
			return nil
		},
	}
	cmd.Flags().UintSliceVar(&devices, "device", nil, "device ids to ask, in priority order (default: all)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for responses")
	cmd.Flags().BoolVar(&info, "info", false, "request device info instead of history")
	return cmd
}

// push: register this device's push token with the relay.
func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <token>",
		Short: "Register a push notification token for this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Open(cmd.Context(), app.Events{}); err != nil {
				return err
			}
			if err := client.RegisterPush(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("push token registered")
			return nil
		},
	}
}

// devices: list the devices registered for this account.
func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List this account's devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Open(cmd.Context(), app.Events{}); err != nil {
				return err
			}
			devices, err := client.Devices(cmd.Context())
			if err != nil {
				return err
			}
			self := client.Self()
			for _, d := range devices {
				marker := " "
				if d.ID == self.DeviceID {
					marker = "*"
				}
				fmt.Printf("%s %-3s %-20q created %s, last seen %s\n", marker, strconv.Itoa(int(d.ID)), d.Name,
					time.UnixMilli(d.Created).Format(time.DateTime), time.UnixMilli(d.LastSeen).Format(time.DateTime))
			}
			return nil
		},
	}
}

func printDeviceInfo(ctx context.Context) {
	infos, err := client.History().DeviceInfo(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read device info:", err)
		return
	}
	for _, d := range infos {
		printInfo(d)
	}
}

func printInfo(d model.DeviceInfo) {
	fmt.Printf("device %d: platform %s, online %t", d.DeviceID, d.Platform, d.Connection.Online)
	if d.Location != nil {
		fmt.Printf(", location %.4f,%.4f", d.Location.Latitude, d.Location.Longitude)
	}
	fmt.Println()
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
