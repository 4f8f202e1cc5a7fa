package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/loamctl/loam/pkg/engine"
	"github.com/loamctl/loam/pkg/state"
)

func newStateCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and repair the state document",
	}
	cmd.AddCommand(newStateListCommand(flags))
	cmd.AddCommand(newStateShowCommand(flags))
	cmd.AddCommand(newStateRmCommand(flags))
	cmd.AddCommand(newStateForceUnlockCommand(flags))
	cmd.AddCommand(newStateHistoryCommand(flags))
	cmd.AddCommand(newStateSnapshotCommand(flags))
	cmd.AddCommand(newStateRestoreCommand(flags))
	return cmd
}

func newStateListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resource addresses recorded in state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			doc, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			addrs := make([]string, 0, len(doc.Records))
			for addr := range doc.Records {
				addrs = append(addrs, addr)
			}
			sort.Strings(addrs)
			for _, addr := range addrs {
				fmt.Fprintln(cmd.OutOrStdout(), addr)
			}
			return nil
		},
	}
}

func newStateShowCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show the state record for one resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			doc, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			rec, ok := doc.Records[args[0]]
			if !ok {
				return fmt.Errorf("no state record for %s", args[0])
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newStateRmCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <address>",
		Short: "Forget a resource without destroying it",
		Long: `Remove a record from the state document. The remote resource is left
untouched; a later plan will see it as new.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			unlock, err := rt.lock(ctx, "state rm")
			if err != nil {
				return err
			}
			defer unlock()

			doc, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			if _, ok := doc.Records[args[0]]; !ok {
				return fmt.Errorf("no state record for %s", args[0])
			}
			delete(doc.Records, args[0])
			if err := rt.store.Save(ctx, doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state.\n", args[0])
			return nil
		},
	}
}

func newStateForceUnlockCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "force-unlock [lock-id]",
		Short: "Release a stale state lock",
		Long: `Release the state lock left behind by a crashed run. The file backend
can drop the lock without its id; other backends require the lock id
reported in the conflict error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(args) == 1 {
				if err := rt.store.Unlock(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Lock released.")
				return nil
			}

			fileStore, ok := rt.store.(*state.FileStore)
			if !ok {
				return fmt.Errorf("this backend requires the lock id")
			}
			holder, err := fileStore.ForceUnlock(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released lock %s held by %s (%s).\n",
				holder.ID, holder.Who, holder.Operation)
			return nil
		},
	}
}

func newStateSnapshotCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <file>",
		Short: "Write the state document to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			doc, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote snapshot of serial %d (%d record(s)) to %s.\n",
				doc.Serial, len(doc.Records), args[0])
			return nil
		},
	}
}

func newStateRestoreCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the state document with a snapshot",
		Long: `Overwrite the current state document with a snapshot written by
'state snapshot'. The snapshot's records replace the backend's records
entirely; the serial keeps advancing from the backend's current value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			var snapshot engine.Document
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return fmt.Errorf("parse snapshot: %w", err)
			}
			if snapshot.Version != engine.DocumentVersion {
				return fmt.Errorf("snapshot has document version %d, want %d",
					snapshot.Version, engine.DocumentVersion)
			}

			unlock, err := rt.lock(ctx, "state restore")
			if err != nil {
				return err
			}
			defer unlock()

			doc, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			doc.Records = snapshot.Records
			if doc.Records == nil {
				doc.Records = map[string]*engine.Record{}
			}
			if err := rt.store.Save(ctx, doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d record(s) from %s.\n",
				len(doc.Records), args[0])
			return nil
		},
	}
}

func newStateHistoryCommand(flags *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs (sqlite backend only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			store, ok := rt.store.(*state.SQLiteStore)
			if !ok {
				return fmt.Errorf("run history requires the sqlite backend")
			}
			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, run := range runs {
				fmt.Fprintf(out, "%s  %-10s  %s  applied=%d failed=%d skipped=%d\n",
					run.StartedAt.Format("2006-01-02 15:04:05"), run.Status, run.ID,
					run.Summary.Applied, run.Summary.Failed, run.Summary.Skipped)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}
