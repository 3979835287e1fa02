package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolhub/sessionkeeper/session"
)

func newWhoamiCmd(a *app) *cobra.Command {
	return a.withSession(&cobra.Command{
		Use:   "whoami",
		Short: "Print the logged-in user as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			user := a.client.Store().User()
			if user == nil {
				return errors.New("not logged in")
			}
			a.touch()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(user)
		},
	})
}

func newStatusCmd(a *app) *cobra.Command {
	return a.withSession(&cobra.Command{
		Use:   "status",
		Short: "Show session, connectivity and offline cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.client.Store()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Session:\t%s\n", statusLine(store))
			fmt.Fprintf(w, "API:\t%s (online: %t)\n", a.cfg.APIURL, a.client.IsOnline(cmd.Context()))
			if exp, ok := session.TokenExpiry(store.AccessToken()); ok {
				fmt.Fprintf(w, "Token expires:\t%s\n", exp.Local().Format(time.RFC1123))
			}

			cached, err := store.CachedIdentity()
			switch {
			case errors.Is(err, session.ErrNoCachedSession):
				fmt.Fprintf(w, "Offline access:\tnone\n")
			case err != nil:
				return err
			default:
				until := cached.CachedAt.Add(session.MaxOfflineSessionAge)
				state := "until " + until.Local().Format(time.RFC1123)
				if time.Now().After(until) {
					state = "expired"
				}
				fmt.Fprintf(w, "Offline access:\t%s, %s\n", cached.UserData.Email, state)
			}

			tracker := a.client.Tracker()
			fmt.Fprintf(w, "Last activity:\t%s (idle: %t)\n",
				tracker.LastActivity().Local().Format(time.RFC1123), tracker.IsIdle())

			pending, err := a.queue.Pending()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Attendance to sync:\t%d\n", len(pending))
			return w.Flush()
		},
	})
}
