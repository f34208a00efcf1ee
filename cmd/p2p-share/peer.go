package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"tarun-kavipurapu/p2p-share/peer"
	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/logger"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	configPath      string
	peerName        string
	peerPort        int
	sharedDir       string
	sweepStart      int
	sweepEnd        int
	enableMDNS      bool
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a peer node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadPeerConfig(cmd)
		if err != nil {
			return err
		}

		transfers := &transferView{out: os.Stdout, colors: peer.IsTerminalSupported()}
		var opts []peer.Option
		if peerInteractive {
			opts = append(opts, peer.WithTransferObserver(transfers.observe))
		}
		p, err := peer.New(cfg, opts...)
		if err != nil {
			return err
		}
		if err := p.Start(); err != nil {
			return err
		}
		logger.Sugar.Infof("Peer %s listening on port %d, sharing %s", p.Name(), p.Port(), p.SharedDir())

		if !peerInteractive {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return p.Stop()
		}

		fmt.Printf("P2P peer %s on port %d\n", p.Name(), p.Port())
		fmt.Println("Type 'help' for commands.")
		sh := &shell{p: p, transfers: transfers, out: os.Stdout}
		prompt.New(
			sh.execute,
			sh.complete,
			prompt.OptionPrefix(p.Name()+"> "),
			prompt.OptionTitle("P2P Share"),
		).Run()
		return nil
	},
}

// loadPeerConfig reads the optional config file, then applies the flags that
// were set explicitly.
func loadPeerConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Name = peerName
	}
	if flags.Changed("port") || cfg.Port == 0 {
		cfg.Port = peerPort
	}
	if flags.Changed("dir") {
		cfg.SharedDir = sharedDir
	}
	if flags.Changed("sweep-start") {
		cfg.Discovery.PortStart = sweepStart
	}
	if flags.Changed("sweep-end") {
		cfg.Discovery.PortEnd = sweepEnd
	}
	if flags.Changed("mdns") {
		cfg.Discovery.MDNS = enableMDNS
	}
	return cfg, cfg.Validate()
}

// transferView draws a progress bar for every transfer started from the
// shell and lets the shell wait for the final line before printing.
type transferView struct {
	out    io.Writer
	colors bool
	wg     sync.WaitGroup
}

func (v *transferView) observe(t *peer.TransferTracker) {
	r := peer.NewProgressRenderer(t, v.out, v.colors)
	v.wg.Add(1)
	go r.Start()
	go func() {
		defer v.wg.Done()
		<-t.Done()
		r.StopAndWait()
	}()
}

func (v *transferView) wait() {
	v.wg.Wait()
}

type shell struct {
	p         *peer.Peer
	transfers *transferView
	out       io.Writer
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) execute(in string) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}
	ctx := context.Background()

	switch blocks[0] {
	case "exit", "quit":
		fmt.Fprintln(s.out, "Stopping peer...")
		if err := s.p.Stop(); err != nil {
			s.printf("Stopped with errors: %v\n", err)
		}
		os.Exit(0)
	case "status", "stats":
		fmt.Fprintln(s.out, s.p.Statistics())
	case "peers":
		peers := s.p.KnownPeers()
		if len(peers) == 0 {
			fmt.Fprintln(s.out, "No known peers.")
			return
		}
		for _, d := range peers {
			s.printf("- %s\n", d)
		}
	case "files":
		files, err := s.p.LocalFiles()
		if err != nil {
			s.printf("Error listing files: %v\n", err)
			return
		}
		printFiles(s.out, files)
	case "network":
		s.network()
	case "search":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: search <file>")
			return
		}
		owners := s.p.Search(blocks[1])
		if len(owners) == 0 {
			s.printf("No alive peer offers %s.\n", blocks[1])
			return
		}
		for _, d := range owners {
			s.printf("- %s\n", d)
		}
	case "ls":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: ls <host:port>")
			return
		}
		host, port, err := splitAddr(blocks[1])
		if err != nil {
			s.printf("Error: %v\n", err)
			return
		}
		files, err := s.p.ListRemoteFiles(ctx, host, port)
		if err != nil {
			s.printf("Error listing %s: %v\n", blocks[1], err)
			return
		}
		printFiles(s.out, files)
	case "get":
		s.get(ctx, blocks[1:])
	case "put":
		if len(blocks) < 3 {
			fmt.Fprintln(s.out, "Usage: put <file> <host:port>")
			return
		}
		host, port, err := splitAddr(blocks[2])
		if err != nil {
			s.printf("Error: %v\n", err)
			return
		}
		err = s.p.UploadTo(ctx, blocks[1], host, port)
		s.transfers.wait()
		if err != nil {
			s.printf("Upload failed: %v\n", err)
			return
		}
		s.printf("Uploaded %s to %s.\n", blocks[1], blocks[2])
	case "add":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: add <host:port>")
			return
		}
		host, port, err := splitAddr(blocks[1])
		if err != nil {
			s.printf("Error: %v\n", err)
			return
		}
		if err := s.p.AddPeer(ctx, host, port); err != nil {
			s.printf("Could not add %s: %v\n", blocks[1], err)
			return
		}
		s.printf("Peer %s added.\n", blocks[1])
	case "sync":
		s.printf("Sync done, %d new peers.\n", s.p.SyncNow(ctx))
	case "test":
		s.printf("%d of %d peers reachable.\n", s.p.TestConnectivity(ctx), len(s.p.KnownPeers()))
	case "cat":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: cat <file>")
			return
		}
		data, err := s.p.ReadLocalFile(blocks[1])
		if err != nil {
			s.printf("Error: %v\n", err)
			return
		}
		s.out.Write(data)
		fmt.Fprintln(s.out)
	case "rm":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: rm <file>")
			return
		}
		if err := s.p.DeleteLocalFile(blocks[1]); err != nil {
			s.printf("Error: %v\n", err)
			return
		}
		s.printf("Deleted %s.\n", blocks[1])
	case "clearcache":
		s.p.ClearCache()
		fmt.Fprintln(s.out, "Checksum cache cleared.")
	case "help":
		fmt.Fprintln(s.out, "Available commands:")
		fmt.Fprintln(s.out, "  status                 - Show node statistics")
		fmt.Fprintln(s.out, "  peers                  - List known peers")
		fmt.Fprintln(s.out, "  files                  - List shared files")
		fmt.Fprintln(s.out, "  network                - List files offered by alive peers")
		fmt.Fprintln(s.out, "  search <file>          - Find the peers offering a file")
		fmt.Fprintln(s.out, "  ls <host:port>         - List the files of a peer")
		fmt.Fprintln(s.out, "  get <file> [host:port] - Download a file")
		fmt.Fprintln(s.out, "  put <file> <host:port> - Upload a shared file to a peer")
		fmt.Fprintln(s.out, "  add <host:port>        - Add a peer")
		fmt.Fprintln(s.out, "  sync                   - Gossip and refresh catalogs now")
		fmt.Fprintln(s.out, "  test                   - Probe every known peer")
		fmt.Fprintln(s.out, "  cat <file>             - Print a shared file")
		fmt.Fprintln(s.out, "  rm <file>              - Delete a shared file")
		fmt.Fprintln(s.out, "  clearcache             - Drop cached checksums")
		fmt.Fprintln(s.out, "  exit                   - Stop peer and exit")
	default:
		fmt.Fprintln(s.out, "Unknown command: "+blocks[0])
	}
}

func (s *shell) get(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: get <file> [host:port]")
		return
	}
	var (
		stored string
		err    error
	)
	if len(args) >= 2 {
		host, port, perr := splitAddr(args[1])
		if perr != nil {
			s.printf("Error: %v\n", perr)
			return
		}
		stored, err = s.p.DownloadFrom(ctx, args[0], host, port)
	} else {
		stored, err = s.p.Download(ctx, args[0])
	}
	s.transfers.wait()
	switch {
	case errors.Is(err, peer.ErrNotFound):
		s.printf("No peer offers %s.\n", args[0])
	case err != nil:
		s.printf("Download failed: %v\n", err)
	default:
		s.printf("Saved as %s.\n", stored)
	}
}

func (s *shell) network() {
	files := s.p.NetworkFiles()
	if len(files) == 0 {
		fmt.Fprintln(s.out, "No remote files known.")
		return
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.printf("- %s (%s)\n", name, strings.Join(files[name], ", "))
	}
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	suggestions := []prompt.Suggest{
		{Text: "status", Description: "Show node statistics"},
		{Text: "peers", Description: "List known peers"},
		{Text: "files", Description: "List shared files"},
		{Text: "network", Description: "List remote files"},
		{Text: "search", Description: "Find a file on the network"},
		{Text: "ls", Description: "List the files of a peer"},
		{Text: "get", Description: "Download a file"},
		{Text: "put", Description: "Upload a file"},
		{Text: "add", Description: "Add a peer"},
		{Text: "sync", Description: "Synchronize now"},
		{Text: "test", Description: "Probe known peers"},
		{Text: "cat", Description: "Print a shared file"},
		{Text: "rm", Description: "Delete a shared file"},
		{Text: "clearcache", Description: "Drop cached checksums"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

// splitAddr parses "host:port", "port" or ":port"; the host defaults to the
// loopback address.
func splitAddr(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host, portStr = "", s
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid address %q", s)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	peerCmd.Flags().StringVarP(&peerName, "name", "n", "", "Display name of this peer")
	peerCmd.Flags().IntVarP(&peerPort, "port", "p", 8001, "Port for this peer to listen on")
	peerCmd.Flags().StringVarP(&sharedDir, "dir", "d", "", "Shared directory (default shared/<name>)")
	peerCmd.Flags().IntVar(&sweepStart, "sweep-start", 8000, "First port of the startup discovery sweep, 0 to disable")
	peerCmd.Flags().IntVar(&sweepEnd, "sweep-end", 8100, "Last port of the startup discovery sweep")
	peerCmd.Flags().BoolVar(&enableMDNS, "mdns", false, "Advertise and browse peers over mDNS")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
