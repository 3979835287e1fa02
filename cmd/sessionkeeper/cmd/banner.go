package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

const banner = `
  ___ ___ ___ ___(_)___ _ _ | |_____ ___ _ __  ___ _ _
 (_-</ -_|_-<(_-<| / _ \ ' \| / / -_) -_) '_ \/ -_) '_|
 /__/\___/__//__/|_\___/_||_|_\_\___\___| .__/\___|_|
                                        |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  School session keeper - Version %s\x1b[0m\n\n", Version)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			printBanner(cmd.OutOrStdout())
		},
	}
}
