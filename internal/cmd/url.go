package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/kernelcron/pkg/kaggle"
)

var urlCmd = &cobra.Command{
	Use:   "url <kernel_name>",
	Short: "Print the Kaggle page of a kernel",
	Args:  cobra.ExactArgs(1),
	RunE:  runURL,
}

func init() {
	rootCmd.AddCommand(urlCmd)
}

func runURL(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	if name == "" || strings.ContainsAny(name, "/ \t") {
		return exitError(int(foundry.ExitInvalidArgument), "Invalid kernel name", fmt.Errorf("%q must be a bare slug", args[0]))
	}
	client, err := newKaggleClient()
	if err != nil {
		if errors.Is(err, kaggle.ErrNoCredentials) {
			return exitError(int(foundry.ExitFileNotFound), "Kaggle credentials not found", err)
		}
		return exitError(int(foundry.ExitInvalidArgument), "Invalid Kaggle configuration", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), client.KernelURL(name))
	return err
}
