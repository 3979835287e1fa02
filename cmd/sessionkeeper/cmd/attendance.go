package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolhub/sessionkeeper/syncqueue"
)

func newAttendanceCmd(a *app) *cobra.Command {
	c := &cobra.Command{
		Use:   "attendance",
		Short: "Record attendance, online or offline, and sync it",
	}
	c.AddCommand(newAttendanceRecordCmd(a), newAttendanceListCmd(a), newAttendanceSyncCmd(a))
	return c
}

func newAttendanceRecordCmd(a *app) *cobra.Command {
	var classID, date string
	var entries map[string]string
	c := &cobra.Command{
		Use:     "record",
		Short:   "Record attendance for a class on a date",
		Example: `  sessionkeeper attendance record --class 7a --entry s-1=present,s-2=absent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireIdentity(cmd.Context()); err != nil {
				return err
			}
			a.touch()
			if date == "" {
				date = time.Now().Format(time.DateOnly)
			}
			rec, err := a.queue.Enqueue(classID, date, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for %s on %s (%d entries)\n",
				rec.Operation, rec.ClassID, rec.Date, len(rec.Entries))

			// Push straight away when possible; otherwise it waits for sync.
			if _, err := a.queue.Flush(cmd.Context()); err != nil && !errors.Is(err, syncqueue.ErrSyncUnavailable) {
				a.logger.Warn("attendance not synced yet", "error", err)
			}
			return nil
		},
	}
	c.Flags().StringVar(&classID, "class", "", "Class ID")
	c.Flags().StringVar(&date, "date", "", "Date as YYYY-MM-DD (default today)")
	c.Flags().StringToStringVar(&entries, "entry", nil, "student=status pairs (present, absent, late, excused)")
	_ = c.MarkFlagRequired("class")
	_ = c.MarkFlagRequired("entry")
	return a.withSession(c)
}

func newAttendanceListCmd(a *app) *cobra.Command {
	return a.withSession(&cobra.Command{
		Use:   "list",
		Short: "List locally recorded attendance and its sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.queue.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLASS\tDATE\tOPERATION\tSTATUS\tENTRIES\tLAST ERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ClassID, r.Date, r.Operation, r.Status, len(r.Entries), r.LastError)
			}
			return w.Flush()
		},
	})
}

func newAttendanceSyncCmd(a *app) *cobra.Command {
	return a.withSession(&cobra.Command{
		Use:   "sync",
		Short: "Push pending attendance to the school API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.client.IsOnline(cmd.Context()) {
				fmt.Fprintln(cmd.OutOrStdout(), "Offline: attendance stays queued until the next sync")
				return nil
			}
			if err := a.client.Store().RequireFreshSession(); err != nil {
				return fmt.Errorf("%w: log in again to sync", err)
			}
			a.touch()
			res, err := a.queue.Flush(cmd.Context())
			if errors.Is(err, syncqueue.ErrSyncUnavailable) {
				return fmt.Errorf("%w: log in online to sync", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, failed %d\n", res.Synced, res.Failed)
			return err
		},
	})
}
