// Command xenvmctl is the administrative CLI for xenvmd: it dials the
// daemon's JSON-RPC endpoint and issues one request per invocation.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cheng-z/xenvm/pkg/rpcclient"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xenvmctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xenvmctl",
	Short: "Administrative CLI for xenvmd",
}

func init() {
	rootCmd.PersistentFlags().String("path", "/run/xenvmd.sock", "xenvmd's Unix-domain socket")
	rootCmd.PersistentFlags().String("addr", "", "xenvmd's TCP address (host:port); overrides --path if set")

	rootCmd.AddCommand(hostCmd, lvCmd, flushCmd, shutdownCmd)

	hostCmd.AddCommand(hostCreateCmd, hostConnectCmd, hostDisconnectCmd, hostDestroyCmd, hostListCmd)
	lvCmd.AddCommand(lvCreateCmd, lvListCmd, lvGetCmd, lvRenameCmd, lvRemoveCmd, lvResizeCmd, lvTagCmd, lvUntagCmd)

	lvCreateCmd.Flags().Int64("size", 0, "initial size in extents")
	lvCreateCmd.Flags().StringSlice("tag", nil, "tag to attach (repeatable)")
	lvResizeCmd.Flags().Int64("extra", 0, "extents to add")
}

func dial(cmd *cobra.Command) (*rpcclient.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr != "" {
		return rpcclient.DialTCP(addr)
	}
	path, _ := cmd.Flags().GetString("path")
	return rpcclient.DialUnix(path)
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage registered hosts",
}

var hostCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Provision a host's three reserved LVs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.HostCreate(args[0]); err != nil {
			return err
		}
		fmt.Printf("host created: %s\n", args[0])
		return nil
	},
}

var hostConnectCmd = &cobra.Command{
	Use:   "connect NAME",
	Short: "Attach ring handles and mark a host connected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.HostConnect(args[0]); err != nil {
			return err
		}
		fmt.Printf("host connected: %s\n", args[0])
		return nil
	},
}

var hostDisconnectCmd = &cobra.Command{
	Use:   "disconnect NAME",
	Short: "Flush and disconnect a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.HostDisconnect(args[0]); err != nil {
			return err
		}
		fmt.Printf("host disconnected: %s\n", args[0])
		return nil
	},
}

var hostDestroyCmd = &cobra.Command{
	Use:   "destroy NAME",
	Short: "Disconnect and remove a host's reserved LVs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.HostDestroy(args[0]); err != nil {
			return err
		}
		fmt.Printf("host destroyed: %s\n", args[0])
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected hosts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		hosts, err := c.HostAll()
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			fmt.Println("no hosts connected")
			return nil
		}
		fmt.Printf("%-20s %10s %10s %10s\n", "NAME", "FREE", "TOLVM-SUSP", "FROMLVM-SUSP")
		for _, h := range hosts {
			fmt.Printf("%-20s %10d %10t %10t\n", h.Name, h.FreeExtents, h.ToLVM.Suspended, h.FromLVM.Suspended)
		}
		return nil
	},
}

var lvCmd = &cobra.Command{
	Use:   "lv",
	Short: "Manage logical volumes",
}

var lvCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a logical volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt64("size")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		id, err := c.CreateLV(args[0], size, nil, tags)
		if err != nil {
			return err
		}
		fmt.Printf("lv created: %s (id %s)\n", args[0], id)
		return nil
	},
}

var lvListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logical volumes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		vg, err := c.Get()
		if err != nil {
			return err
		}
		if len(vg.LVs) == 0 {
			fmt.Println("no logical volumes")
			return nil
		}
		fmt.Printf("%-20s %-38s %10s %s\n", "NAME", "ID", "EXTENTS", "TAGS")
		for _, lv := range vg.LVs {
			fmt.Printf("%-20s %-38s %10d %s\n", lv.Name, lv.ID, lv.SizeInExtents(), strings.Join(tagList(lv.Tags), ","))
		}
		return nil
	},
}

var lvGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show one logical volume's segments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		vg, err := c.GetLV(args[0])
		if err != nil {
			return err
		}
		for _, lv := range vg.LVs {
			fmt.Printf("name: %s\nid: %s\nextents: %d\n", lv.Name, lv.ID, lv.SizeInExtents())
			for _, s := range lv.Segments {
				fmt.Printf("  %s:%d+%d (logical %d)\n", s.PV, s.PhysicalStart, s.Length, s.LogicalStart)
			}
		}
		return nil
	},
}

var lvRenameCmd = &cobra.Command{
	Use:   "rename NAME NEW_NAME",
	Short: "Rename a logical volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.RenameLV(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("renamed %s to %s\n", args[0], args[1])
		return nil
	},
}

var lvRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a logical volume and return its extents to free_space",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.RemoveLV(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed: %s\n", args[0])
		return nil
	},
}

var lvResizeCmd = &cobra.Command{
	Use:   "resize NAME",
	Short: "Grow a logical volume directly out of free_space",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		extra, _ := cmd.Flags().GetInt64("extra")
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.ResizeLV(args[0], extra); err != nil {
			return err
		}
		fmt.Printf("resized %s by %d extents\n", args[0], extra)
		return nil
	},
}

var lvTagCmd = &cobra.Command{
	Use:   "tag NAME TAG",
	Short: "Add a tag to a logical volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.AddTag(args[0], args[1])
	},
}

var lvUntagCmd = &cobra.Command{
	Use:   "untag NAME TAG",
	Short: "Remove a tag from a logical volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.RemoveTag(args[0], args[1])
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drain every connected host's queued allocations into the VG",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Flush(); err != nil {
			return err
		}
		fmt.Println("flushed")
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the daemon's free-pool controller and close its journal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Shutdown(); err != nil {
			return err
		}
		fmt.Println("shutdown requested")
		return nil
	},
}

func tagList(tags map[string]bool) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	return out
}
