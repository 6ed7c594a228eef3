// Command oci-squash collapses the trailing layers of a Docker v1.2 or OCI
// image-layout tar into a single layer, writing a new Docker v1.2 tar.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagFromLayer  string
	flagTag        string
	flagMessage    string
	flagTmpDir     string
	flagOutputPath string
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "oci-squash <image-tar>",
	Short: "Squash the trailing layers of a container image tar into one layer",
	Long: `oci-squash collapses the trailing N layers of a Docker v1.2 or OCI
image-layout tar archive into a single layer, producing a new image tar
equivalent to the original but with fewer, merged layers.

No container runtime or registry access is required: the input is a tar
archive of an already-built image.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRootCmd,
}

func init() {
	rootCmd.Flags().StringVarP(&flagFromLayer, "from-layer", "f", "", "squash layers above this count (from top) or layer id (default: all layers)")
	rootCmd.Flags().StringVarP(&flagTag, "tag", "t", "", "tag to record for the output image, as repo:tag")
	rootCmd.Flags().StringVarP(&flagMessage, "message", "m", "", "commit message for the new squashed history entry")
	rootCmd.Flags().StringVar(&flagTmpDir, "tmp-dir", "", "work directory to use instead of ./.oci-squash-work (kept on exit if supplied)")
	rootCmd.Flags().StringVar(&flagOutputPath, "output-path", "", "output tar path (default: derived from the input tar's directory and the new image id)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "log extraction/copy/pack timing and byte counts")
}

func runRootCmd(cmd *cobra.Command, args []string) error {
	var log *slog.Logger
	if flagVerbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	opts := runOptions{
		imageTarPath: args[0],
		fromLayer:    flagFromLayer,
		tag:          flagTag,
		message:      flagMessage,
		tmpDir:       flagTmpDir,
		outputPath:   flagOutputPath,
		log:          log,
	}

	outPath, err := run(opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oci-squash:", err)
		os.Exit(exitCodeFor(err))
	}
}
