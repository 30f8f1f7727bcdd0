package main

import (
	"github.com/spf13/cobra"

	"aqua/internal/version"
)

// newRootCmd creates the root aqua command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aqua",
		Short:         "Multi-agent coordination for one project directory",
		Long:          "aqua coordinates multiple AI coding agents working in the same\nproject: task queue, leader election, file locks, and messaging,\nall backed by a single SQLite file under .aqua/.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().Bool("json", false, "machine-readable JSON output")

	cmd.AddCommand(
		newInitCmd(),
		newSetupCmd(),
		newJoinCmd(),
		newLeaveCmd(),
		newStatusCmd(),
		newRefreshCmd(),
		newAddCmd(),
		newListCmd(),
		newShowCmd(),
		newClaimCmd(),
		newDoneCmd(),
		newFailCmd(),
		newProgressCmd(),
		newMsgCmd(),
		newInboxCmd(),
		newAskCmd(),
		newReplyCmd(),
		newLockCmd(),
		newUnlockCmd(),
		newLocksCmd(),
		newSerializeCmd(),
		newLogCmd(),
		newPsCmd(),
		newDoctorCmd(),
		newRecoverCmd(),
		newWatchCmd(),
	)

	return cmd
}
