package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pdmd/internal/version"
	"pkt.systems/pslog"
)

func newCheckoutCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <filename>",
		Short: "Take the exclusive editing lock on an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			user, err := currentUser()
			if err != nil {
				return err
			}
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			co, err := core.Checkout(cmd.Context(), args[0], user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s checked out by %s\n", co.Path, co.User)
			return nil
		},
	}
}

func newCheckinCommand(logger pslog.Logger) *cobra.Command {
	var message, kind, explicitMajor string
	cmd := &cobra.Command{
		Use:   "checkin <filename> <content-file>",
		Short: "Publish new content under a bumped revision and release the lock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			user, err := currentUser()
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			rev, err := core.Checkin(cmd.Context(), args[0], user, content, message, kind, explicitMajor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s checked in at revision %s\n", args[0], rev)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "check-in message")
	cmd.Flags().StringVar(&kind, "kind", "minor", "revision bump kind (minor|major)")
	cmd.Flags().StringVar(&explicitMajor, "major", "", "explicit major revision (with --kind major)")
	cmd.MarkFlagRequired("message")
	return cmd
}

func newCancelCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <filename>",
		Short: "Discard local changes and release your checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			user, err := currentUser()
			if err != nil {
				return err
			}
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			if err := core.CancelCheckout(cmd.Context(), args[0], user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s checkout cancelled\n", args[0])
			return nil
		},
	}
}

func newReleaseCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "release <filename>",
		Short: "Administratively remove a checkout regardless of holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			if err := core.AdminRelease(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s released\n", args[0])
			return nil
		},
	}
}

func newLocksCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List current checkouts with their holders and age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			checkouts, err := core.ListCheckouts(cmd.Context())
			if err != nil {
				return err
			}
			if len(checkouts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkouts")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tUSER\tSINCE\tAGE")
			for _, co := range checkouts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					co.Path, co.User, formatWhen(co.LockedAt), humanize.Time(co.LockedAt))
			}
			return w.Flush()
		},
	}
}

func newFilesCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List tracked artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			files, err := core.ListFiles()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tSIZE\tMODIFIED\tNOTES")
			for _, f := range files {
				var notes []string
				if f.IsPointer {
					notes = append(notes, "pointer")
				}
				if f.LinksTo != "" {
					notes = append(notes, "-> "+f.LinksTo)
				}
				modified := ""
				if f.ModifiedAt != nil {
					modified = formatWhen(*f.ModifiedAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					f.Path, humanize.IBytes(uint64(f.Size)), modified, strings.Join(notes, " "))
			}
			return w.Flush()
		},
	}
}

func newHistoryCommand(logger pslog.Logger) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <filename>",
		Short: "Show an artifact's commits and recorded revisions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			entries, err := core.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "COMMIT\tREV\tAUTHOR\tDATE\tMESSAGE")
			for _, e := range entries {
				rev := "-"
				if e.Revision != nil {
					rev = *e.Revision
				}
				msg := strings.SplitN(strings.TrimSpace(e.Message), "\n", 2)[0]
				fmt.Fprintf(w, "%.12s\t%s\t%s\t%s\t%s\n",
					e.Hash, rev, e.Author, formatWhen(e.Date), msg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries (0 for all)")
	return cmd
}

func newGetCommand(logger pslog.Logger) *cobra.Command {
	var output, atCommit string
	cmd := &cobra.Command{
		Use:   "get <filename>",
		Short: "Download an artifact's content, fetching large objects on demand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			var content []byte
			if atCommit != "" {
				content, err = core.ContentAtCommit(args[0], atCommit)
			} else {
				content, err = core.Download(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(content)
				return err
			}
			if err := os.WriteFile(output, content, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s (%s) written to %s\n",
				args[0], humanize.IBytes(uint64(len(content))), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&atCommit, "at", "", "retrieve content as of a commit hash")
	return cmd
}

func newUploadCommand(logger pslog.Logger) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "upload <content-file>",
		Short: "Publish a brand-new artifact named after the content file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			user, err := currentUser()
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			name := filepath.Base(strings.TrimSpace(args[0]))
			rev, err := core.Upload(cmd.Context(), name, user, content, message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s uploaded at revision %s\n", name, rev)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "upload message")
	return cmd
}

func newLinkCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "link <name> <master-filename>",
		Short: "Create a virtual artifact aliasing an existing master",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			user, err := currentUser()
			if err != nil {
				return err
			}
			core, err := newCore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			if err := core.CreateLink(cmd.Context(), args[0], args[1], user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s.link -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pdmd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
}
