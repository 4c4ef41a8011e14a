package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/livecapture/internal/library"
)

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Show the streams of a media file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := binary(cfg).Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Format:   %s\n", res.FormatName)
		fmt.Printf("Duration: %s\n", res.Duration)
		for _, s := range res.Streams {
			switch s.CodecType {
			case "video":
				fmt.Printf("  #%d video %s %dx%d %s fps, %d frames\n", s.Index, s.CodecName, s.Width, s.Height, s.FrameRate, s.Frames())
			case "audio":
				fmt.Printf("  #%d audio %s %s Hz, %d ch\n", s.Index, s.CodecName, s.SampleRate, s.Channels)
			default:
				fmt.Printf("  #%d %s %s\n", s.Index, s.CodecType, s.CodecName)
			}
		}
		return nil
	},
}

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Manage saved live photos",
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved live photos",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		assets, err := library.NewLocalLibrary(cfg.LibraryDir).List()
		if err != nil {
			return err
		}
		if len(assets) == 0 {
			fmt.Println("No live photos saved.")
			return nil
		}
		for _, a := range assets {
			fmt.Printf("%s  %s  %s\n", a.CreatedAt.Format("2006-01-02 15:04:05"), a.ID, a.MotionPath)
		}
		return nil
	},
}

var libraryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved live photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()
		return library.NewLocalLibrary(cfg.LibraryDir).Delete(args[0])
	},
}

func init() {
	libraryCmd.AddCommand(libraryListCmd)
	libraryCmd.AddCommand(libraryDeleteCmd)
}
