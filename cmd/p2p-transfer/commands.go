package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"tarun-kavipurapu/p2p-chunknet/peer"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"

	"github.com/spf13/cobra"
)

var chunkSize int64

var chunkCmd = &cobra.Command{
	Use:   "chunk <file>",
	Short: "Chunk a file into the storage root and register it with a tracker",
	Long: `Chunk a file into the storage root and persist its manifest. With --tracker
the file is also registered; start a peer on the same storage root to serve
the chunks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if chunkSize > 0 {
			cfg.Transfer.ChunkSize = chunkSize
		}
		layout := storage.NewLayout(cfg.Storage.Root)
		if err := layout.Ensure(); err != nil {
			return err
		}
		m, err := storage.BuildManifest(args[0], cfg.Transfer.ChunkSize, layout.ChunksDir())
		if err != nil {
			return err
		}
		if _, err := storage.NewMetadataStore(layout.MetadataDir()).Save(m); err != nil {
			return err
		}
		fmt.Printf("Chunked %s: stem=%s chunks=%d size=%d mime=%s\n",
			m.OriginalName, m.FileStem, m.TotalChunks, m.FileSize(), m.MimeType)

		if trackerURL == "" {
			return nil
		}
		client := peer.NewTrackerClient(trackerURL, cfg.Transfer.HTTPTimeout.Duration)
		reg := protocol.FileRegistration{
			FileStem:     m.FileStem,
			OriginalName: m.OriginalName,
			TotalChunks:  m.TotalChunks,
			MimeType:     m.MimeType,
			FileSize:     m.FileSize(),
		}
		if err := client.RegisterFile(context.Background(), reg); err != nil {
			return fmt.Errorf("register with %s: %w", trackerURL, err)
		}
		fmt.Printf("Registered %s with %s\n", m.FileStem, trackerURL)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <stem>",
	Short: "Join the tracker, download one file and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyPeerFlags()
		p, err := peer.NewPeerServer(cfg)
		if err != nil {
			return err
		}
		defer p.Stop()
		if err := p.Start(); err != nil {
			return err
		}
		res := runDownload(context.Background(), p, args[0], repairOnly)
		if !res.OK() {
			return res.Err
		}
		return nil
	},
}

var repairOnly bool

var pushCmd = &cobra.Command{
	Use:   "push <wire_addr> <stem>",
	Short: "Push a locally held file to a wire protocol receiver",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyPeerFlags()
		p, err := peer.NewPeerServer(cfg)
		if err != nil {
			return err
		}
		defer p.Stop()
		if err := p.PushFile(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Pushed %s to %s\n", args[1], args[0])
		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the files registered with the tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := cfg.Peer.TrackerURL
		if trackerURL != "" {
			url = trackerURL
		}
		files, err := peer.NewTrackerClient(url, cfg.Transfer.HTTPTimeout.Duration).ListFiles(context.Background())
		if err != nil {
			return err
		}
		printFiles(files)
		return nil
	},
}

func printFiles(files []protocol.FileSummary) {
	if len(files) == 0 {
		fmt.Println("No files registered.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEM\tNAME\tSIZE\tCHUNKS\tMIME")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", f.Stem, f.Name, f.Size, f.TotalChunks, f.MimeType)
	}
	w.Flush()
}

func init() {
	chunkCmd.Flags().StringVarP(&trackerURL, "tracker", "t", "", "Tracker base URL to register the file with")
	chunkCmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Chunk size in bytes (overrides transfer.chunk_size)")

	addPeerFlags(downloadCmd)
	downloadCmd.Flags().BoolVar(&repairOnly, "repair", false, "Fetch only chunks missing from the local stores")

	addPeerFlags(pushCmd)

	filesCmd.Flags().StringVarP(&trackerURL, "tracker", "t", "", "Tracker base URL (overrides peer.tracker_url)")

	rootCmd.AddCommand(chunkCmd, downloadCmd, pushCmd, filesCmd)
}
