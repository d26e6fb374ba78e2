package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/KarpelesLab/filecollector"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	workers    int
	blockSize  int64
	checkpoint string
	noProgress bool
	verbose    bool
)

// fetchID is the file id used for the single file a fetch works on.
const fetchID filecollector.FileID = 1

func main() {
	rootCmd := &cobra.Command{
		Use:   "fcollect",
		Short: "Reassemble files from out of order byte ranges",
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log collector activity to stderr")

	fetchCmd := &cobra.Command{
		Use:   "fetch <URL> <OUTPUT>",
		Short: "Download a file using concurrent range requests, resuming from a checkpoint if present",
		Args:  cobra.ExactArgs(2),
		Run:   runFetch,
	}
	fetchCmd.Flags().IntVar(&workers, "workers", 4, "Number of concurrent requests")
	fetchCmd.Flags().Int64Var(&blockSize, "block-size", filecollector.DefaultBlockSize, "Size of chunks in bytes")
	fetchCmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Checkpoint path (default <OUTPUT>.part)")
	fetchCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	inspectCmd := &cobra.Command{
		Use:   "inspect <CHECKPOINT>",
		Short: "Show the state of a checkpoint",
		Args:  cobra.ExactArgs(1),
		Run:   runInspect,
	}

	rootCmd.AddCommand(fetchCmd, inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newCollector() *filecollector.Collector {
	c := filecollector.New()
	if !verbose {
		c.Logger = nil
	}
	return c
}

func runFetch(cmd *cobra.Command, args []string) {
	url := args[0]
	output := args[1]
	if checkpoint == "" {
		checkpoint = output + ".part"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := newCollector()

	id := fetchID
	if _, err := os.Stat(checkpoint); err == nil {
		id, err = c.LoadPart(checkpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading checkpoint: %v\n", err)
			os.Exit(1)
		}
	}

	ft := c.NewFetcher()
	ft.Workers = workers
	ft.BlockSize = blockSize

	var bar *progressbar.ProgressBar
	var barOnce sync.Once
	if !noProgress {
		ft.OnProgress = func(covered, total int64) {
			barOnce.Do(func() {
				bar = progressbar.DefaultBytes(total, fmt.Sprintf("Downloading %s", output))
			})
			bar.Set64(covered)
		}
	}

	err := ft.Fetch(ctx, id, url)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if _, ok := c.Lookup(id); ok {
			if serr := c.SavePart(id, checkpoint); serr != nil {
				fmt.Fprintf(os.Stderr, "Error saving checkpoint: %v\n", serr)
			} else {
				fmt.Fprintf(os.Stderr, "Progress saved to %s\n", checkpoint)
			}
		}
		os.Exit(1)
	}

	snap, _ := c.FetchSnapshot(id)

	out, err := os.Create(output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if _, err := snap.WriteTo(out); err != nil {
		out.Close()
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", output, err)
		os.Exit(1)
	}
	if err := out.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", output, err)
		os.Exit(1)
	}

	if err := os.Remove(checkpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to remove checkpoint: %v\n", err)
	}

	fmt.Printf("%s  %s (%d bytes)\n", snap.Digest(), output, snap.Len())
}

func runInspect(cmd *cobra.Command, args []string) {
	c := newCollector()

	id, err := c.LoadPart(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	f, _ := c.Lookup(id)
	p := f.Progress()

	percent := 100.0
	if p.Size > 0 {
		percent = float64(p.Covered) * 100 / float64(p.Size)
	}

	fmt.Printf("File %d: %d/%d bytes (%.1f%%) in %d ranges\n", id, p.Covered, p.Size, percent, p.Spans)
	if p.Complete {
		fmt.Println("Complete")
		return
	}

	fmt.Println("Missing:")
	for _, r := range f.Missing() {
		fmt.Printf("  [%d, %d) %d bytes\n", r.Start, r.End, r.Len())
	}
}
