package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	centralserver "tarun-kavipurapu/p2p-chunknet/central-server"
	"tarun-kavipurapu/p2p-chunknet/pkg/logger"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	trackerAddr string
	trackerWire string
	trackerMDNS bool
	interactive bool
)

var serverCmd = &cobra.Command{
	Use:     "tracker",
	Aliases: []string{"server"},
	Short:   "Start the tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trackerAddr != "" {
			cfg.Tracker.Listen = trackerAddr
		}
		if trackerWire != "" {
			cfg.Tracker.WireListen = trackerWire
		}
		if trackerMDNS {
			cfg.Tracker.MDNS = true
		}
		logger.Sugar.Infof("Starting tracker on %s (wire %s)", cfg.Tracker.Listen, cfg.Tracker.WireListen)

		server, err := centralserver.NewCentralServer(cfg)
		if err != nil {
			return err
		}
		if err := server.Start(); err != nil {
			return fmt.Errorf("error starting tracker: %w", err)
		}

		if !interactive {
			waitForSignal()
			server.Stop()
			return nil
		}

		fmt.Println("P2P Tracker Interactive Shell")
		fmt.Println("Type 'help' for commands.")
		prompt.New(
			func(in string) { serverExecutor(in, server) },
			serverCompleter,
			prompt.OptionPrefix("tracker> "),
			prompt.OptionTitle("P2P Tracker"),
		).Run()
		return nil
	},
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func serverExecutor(in string, server *centralserver.CentralServer) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping tracker...")
		server.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(server.GetStatus())
	case "peers":
		peers := server.GetPeersList()
		if len(peers) == 0 {
			fmt.Println("No peers joined.")
			return
		}
		fmt.Println("Known Peers:")
		for _, p := range peers {
			fmt.Println("- " + p)
		}
	case "files":
		printFiles(server.Registry.ListFiles())
	case "chunk":
		if len(blocks) < 2 {
			fmt.Println("Usage: chunk <file_path>")
			return
		}
		m, err := server.ChunkFile(blocks[1])
		if err != nil {
			fmt.Printf("Error chunking file: %v\n", err)
			return
		}
		fmt.Printf("Chunked %s: stem=%s chunks=%d\n", m.OriginalName, m.FileStem, m.TotalChunks)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status         - Show tracker status")
		fmt.Println("  peers          - List joined peers")
		fmt.Println("  files          - List registered files")
		fmt.Println("  chunk <path>   - Chunk a file into the tracker's store and register it")
		fmt.Println("  exit           - Stop tracker and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func serverCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show tracker status and stats"},
		{Text: "peers", Description: "List all joined peers"},
		{Text: "files", Description: "List registered files"},
		{Text: "chunk", Description: "Chunk and register a file"},
		{Text: "exit", Description: "Exit the tracker"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&trackerAddr, "addr", "a", "", "HTTP address to listen on (overrides tracker.listen)")
	serverCmd.Flags().StringVarP(&trackerWire, "wire", "w", "", "Wire protocol address (overrides tracker.wire_listen)")
	serverCmd.Flags().BoolVar(&trackerMDNS, "mdns", false, "Advertise the tracker via mDNS")
	serverCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start in interactive mode")
}
