package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"aqua/pkg/config"
	"aqua/pkg/store"
)

// newInitCmd creates the "aqua init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize coordination state in this project",
		Long:  "Creates the .aqua directory, the SQLite store with its schema,\nand a default config.yaml. Safe to re-run; --force rewrites the\nconfig file with defaults.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}
			return runInit(cmd.OutOrStdout(), cwd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "rewrite config.yaml with defaults")
	return cmd
}

// runInit creates .aqua under root and opens the store once so the
// schema exists before any agent touches it.
func runInit(w io.Writer, root string, force bool) error {
	aquaDir := filepath.Join(root, aquaDirName)
	if err := os.MkdirAll(aquaDir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", aquaDir, err)
	}
	if err := os.MkdirAll(filepath.Join(aquaDir, "sessions"), 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	configPath := filepath.Join(aquaDir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) || force {
		if err := config.Default().Write(aquaDir); err != nil {
			return err
		}
	}

	s, err := store.Open(filepath.Join(aquaDir, dbFileName))
	if err != nil {
		return err
	}
	defer s.Close()

	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "initialized %s (schema v%d)\n", aquaDir, version)
	return nil
}

// agentInstructions is the markdown handed to AI agents so they know
// the coordination protocol without reading the source.
const agentInstructions = `# Working in this project with aqua

Multiple agents share this project. Coordinate through the aqua CLI:

- ` + "`aqua join -n <name> --role <role>`" + ` once per session, then
  ` + "`aqua refresh`" + ` at the start of every turn.
- ` + "`aqua claim`" + ` to take the next task; ` + "`aqua done -s <summary>`" + ` or
  ` + "`aqua fail -r <reason>`" + ` when finished. Report long work with
  ` + "`aqua progress <note>`" + `.
- ` + "`aqua lock <path>`" + ` before editing a shared file, ` + "`aqua unlock <path>`" + `
  after. Locks are advisory; honor them.
- ` + "`aqua msg --to <name|@all|@leader|@idle> <text>`" + ` to talk,
  ` + "`aqua inbox`" + ` to read, ` + "`aqua ask --to <name> <question>`" + ` to block
  on an answer.
- Set AQUA_JSON=1 for machine-readable output on every command.
- ` + "`aqua leave`" + ` when your session ends.

Exit codes: 0 ok, 2 not joined, 3 no task available, 5 lock or name
already held, 10 store contention (retry) or another coordination
failure (cycle, stale version, permission denied, timeout).
`

// newSetupCmd creates the "aqua setup" subcommand.
func newSetupCmd() *cobra.Command {
	var print bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write agent coordination instructions",
		Long:  "Writes the coordination protocol cheat sheet to .aqua/AGENTS.md\nfor inclusion in agent prompts. --print writes to stdout instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if print {
				fmt.Fprint(cmd.OutOrStdout(), agentInstructions)
				return nil
			}
			aquaDir, err := findAquaDir()
			if err != nil {
				return err
			}
			path := filepath.Join(aquaDir, "AGENTS.md")
			if err := os.WriteFile(path, []byte(agentInstructions), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&print, "print", false, "print instructions to stdout")
	return cmd
}
