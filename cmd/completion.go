package cmd

import (
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// completionShells maps a shell name to its script generator.
var completionShells = map[string]func(io.Writer) error{
	"bash": func(w io.Writer) error { return rootCmd.GenBashCompletionV2(w, true) },
	"zsh":  func(w io.Writer) error { return rootCmd.GenZshCompletion(w) },
	"fish": func(w io.Writer) error { return rootCmd.GenFishCompletion(w, true) },
	"powershell": func(w io.Writer) error {
		return rootCmd.GenPowerShellCompletionWithDesc(w)
	},
}

func shellNames() []string {
	names := make([]string, 0, len(completionShells))
	for name := range completionShells {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var completionCmd = &cobra.Command{
	Use:   "completion [" + strings.Join(shellNames(), "|") + "]",
	Short: "Generate shell completion scripts",
	Long: `Generate a shell completion script for tokenguard.

  $ source <(tokenguard completion bash)
  $ tokenguard completion zsh > "${fpath[1]}/_tokenguard"
  $ tokenguard completion fish > ~/.config/fish/completions/tokenguard.fish
  PS> tokenguard completion powershell | Out-String | Invoke-Expression

Hook subcommands are meant for the host, not for interactive use, but they
are completed like any other command.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             shellNames(),
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return completionShells[args[0]](cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
