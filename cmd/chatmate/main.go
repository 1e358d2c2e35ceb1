package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmiran15/chatmate-sub000/cmd/chatmate/internal/serve"
	"github.com/jmiran15/chatmate-sub000/cmd/chatmate/internal/version"
)

func NewChatmateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "chatmate",
		Short:   "chatmate - conversational orchestration core",
		Example: "chatmate serve",
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewChatmateCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
