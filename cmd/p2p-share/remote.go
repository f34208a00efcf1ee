package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"tarun-kavipurapu/p2p-share/peer"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/storage"

	"github.com/spf13/cobra"
)

var (
	remoteTimeout time.Duration
	fetchDir      string
)

func newClient() *peer.Client {
	return peer.NewClient(remoteTimeout, remoteTimeout, 6*remoteTimeout)
}

func remoteAddr(s string) (string, error) {
	host, port, err := splitAddr(s)
	if err != nil {
		return "", err
	}
	return protocol.PeerKey(host, port), nil
}

var pingCmd = &cobra.Command{
	Use:   "ping <host:port>",
	Short: "Check that a peer answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := remoteAddr(args[0])
		if err != nil {
			return err
		}
		start := time.Now()
		name, port, err := newClient().Ping(cmd.Context(), addr)
		if err != nil {
			return err
		}
		fmt.Printf("PONG from %s (%s, port %d) in %s\n", addr, name, port, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <host:port>",
	Short: "List the files shared by a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := remoteAddr(args[0])
		if err != nil {
			return err
		}
		files, err := newClient().List(cmd.Context(), addr)
		if err != nil {
			return err
		}
		printFiles(os.Stdout, files)
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <host:port> <file>",
	Short: "Download one file from a peer into a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := remoteAddr(args[0])
		if err != nil {
			return err
		}
		store, err := storage.NewStore(fetchDir)
		if err != nil {
			return err
		}
		stored, err := fetchInto(cmd.Context(), newClient(), store, addr, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s as %s\n", args[1], filepath.Join(store.Root(), stored))
		return nil
	},
}

// fetchInto downloads name into store under a name that does not clash with
// an existing file. Nothing is left behind when the checksum does not match.
func fetchInto(ctx context.Context, c *peer.Client, store *storage.Store, addr, name string) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", err
	}
	tmp, err := store.CreateTemp()
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	info, _, err := c.Fetch(ctx, addr, name, 0, tmp, nil)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if !store.VerifyIntegrity(tmpPath, info.Checksum) {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: checksum of %s does not match", peer.ErrIntegrity, name)
	}
	return store.Commit(tmpPath, name, true)
}

var pushCmd = &cobra.Command{
	Use:   "push <host:port> <path>",
	Short: "Upload a local file to a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := remoteAddr(args[0])
		if err != nil {
			return err
		}
		checksum, err := storage.HashFile(args[1])
		if err != nil {
			return err
		}
		file, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			return err
		}
		name := filepath.Base(args[1])
		if err := newClient().Push(cmd.Context(), addr, name, info.Size(), checksum, file); err != nil {
			return err
		}
		fmt.Printf("Uploaded %s (%s) to %s\n", name, formatSize(info.Size()), addr)
		return nil
	},
}

func printFiles(out io.Writer, files []protocol.FileDescriptor) {
	if len(files) == 0 {
		fmt.Fprintln(out, "No files.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tSHA-256")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, formatSize(f.Size), f.Checksum)
	}
	w.Flush()
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	for _, c := range []*cobra.Command{pingCmd, lsCmd, fetchCmd, pushCmd} {
		c.Flags().DurationVarP(&remoteTimeout, "timeout", "t", 5*time.Second, "Dial and I/O timeout")
		rootCmd.AddCommand(c)
	}
	fetchCmd.Flags().StringVarP(&fetchDir, "out", "o", ".", "Directory to store the file in")
}
