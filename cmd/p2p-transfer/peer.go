package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"tarun-kavipurapu/p2p-chunknet/peer"
	"tarun-kavipurapu/p2p-chunknet/pkg/logger"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	peerAddr        string
	peerWire        string
	trackerURL      string
	peerID          string
	fileToRegister  string
	fileToDownload  string
	peerInteractive bool
)

// applyPeerFlags copies the peer flags that were set over the config.
func applyPeerFlags() {
	if peerAddr != "" {
		cfg.Peer.Listen = peerAddr
	}
	if peerWire != "" {
		cfg.Peer.WireListen = peerWire
	}
	if trackerURL != "" {
		cfg.Peer.TrackerURL = trackerURL
	}
	if peerID != "" {
		cfg.Peer.PeerID = peerID
	}
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a peer node",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyPeerFlags()
		logger.Sugar.Infof("Starting peer on %s, tracker %s", cfg.Peer.Listen, cfg.Peer.TrackerURL)

		p, err := peer.NewPeerServer(cfg)
		if err != nil {
			return err
		}
		if err := p.Start(); err != nil {
			p.Stop()
			return fmt.Errorf("error starting peer: %w", err)
		}

		ctx := context.Background()
		if fileToRegister != "" {
			logger.Sugar.Infof("Auto-chunking file: %s", fileToRegister)
			if _, err := p.ChunkFile(ctx, fileToRegister); err != nil {
				logger.Sugar.Errorf("Failed to chunk file: %v", err)
			}
		}
		if fileToDownload != "" {
			logger.Sugar.Infof("Auto-downloading stem: %s", fileToDownload)
			runDownload(ctx, p, fileToDownload, false)
		}

		if !peerInteractive {
			waitForSignal()
			p.Stop()
			return nil
		}

		fmt.Println("P2P Peer Node Interactive Shell")
		fmt.Println("Type 'help' for commands.")
		prompt.New(
			func(in string) { peerExecutor(in, p) },
			peerCompleter,
			prompt.OptionPrefix("peer> "),
			prompt.OptionTitle("P2P Peer Node"),
		).Run()
		return nil
	},
}

// runDownload drives one download or repair with a live progress bar.
func runDownload(ctx context.Context, p *peer.PeerServer, stem string, repair bool) peer.Result {
	progress := peer.NewDownloadTracker()
	renderer := peer.NewProgressRenderer(progress, os.Stdout, true)
	go renderer.Start()

	var res peer.Result
	if repair {
		res = p.Repair(ctx, stem, progress)
	} else {
		res = p.Download(ctx, stem, progress)
	}
	renderer.StopAndWait(res.OK())
	fmt.Println(res)
	return res
}

func peerExecutor(in string, p *peer.PeerServer) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}
	ctx := context.Background()

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		p.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(p.GetStatus())
	case "files":
		files, err := p.Tracker.ListFiles(ctx)
		if err != nil {
			fmt.Printf("Error listing files: %v\n", err)
			return
		}
		printFiles(files)
	case "chunk":
		if len(blocks) < 2 {
			fmt.Println("Usage: chunk <file_path>")
			return
		}
		m, err := p.ChunkFile(ctx, blocks[1])
		if err != nil {
			fmt.Printf("Error chunking file: %v\n", err)
			return
		}
		fmt.Printf("Chunked %s: stem=%s chunks=%d\n", m.OriginalName, m.FileStem, m.TotalChunks)
	case "download", "repair":
		if len(blocks) < 2 {
			fmt.Printf("Usage: %s <file_stem>\n", blocks[0])
			return
		}
		runDownload(ctx, p, blocks[1], blocks[0] == "repair")
	case "push":
		if len(blocks) < 3 {
			fmt.Println("Usage: push <wire_addr> <file_stem>")
			return
		}
		if err := p.PushFile(ctx, blocks[1], blocks[2]); err != nil {
			fmt.Printf("Error pushing file: %v\n", err)
		} else {
			fmt.Println("File pushed.")
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                 - Show peer status and download history")
		fmt.Println("  files                  - List files known to the tracker")
		fmt.Println("  chunk <path>           - Chunk, announce and register a local file")
		fmt.Println("  download <stem>        - Download a file by stem")
		fmt.Println("  repair <stem>          - Fetch only the chunks missing locally")
		fmt.Println("  push <addr> <stem>     - Push a file over the wire protocol")
		fmt.Println("  exit                   - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "files", Description: "List tracker files"},
		{Text: "chunk", Description: "Chunk and share a file"},
		{Text: "download", Description: "Download a file"},
		{Text: "repair", Description: "Resume a failed download"},
		{Text: "push", Description: "Push a file to a wire address"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func addPeerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&peerAddr, "addr", "a", "", "Chunk server address (overrides peer.listen)")
	cmd.Flags().StringVarP(&peerWire, "wire", "w", "", "Wire protocol address (overrides peer.wire_listen)")
	cmd.Flags().StringVarP(&trackerURL, "tracker", "t", "", `Tracker base URL, or "mdns" (overrides peer.tracker_url)`)
	cmd.Flags().StringVar(&peerID, "id", "", "Peer id (default: persisted or generated)")
}

func init() {
	rootCmd.AddCommand(peerCmd)
	addPeerFlags(peerCmd)
	peerCmd.Flags().StringVarP(&fileToRegister, "register", "r", "", "Path to a file to chunk and share immediately")
	peerCmd.Flags().StringVarP(&fileToDownload, "download", "d", "", "File stem to download immediately")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
