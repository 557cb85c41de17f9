// Package stations implements station provisioning commands: list the
// configured streams, add new ones and flip them active or inactive.
package stations

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
)

// Command creates the stations command and its subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Manage monitored stations",
	}

	cmd.AddCommand(
		listCommand(settings),
		addCommand(settings),
		setActiveCommand(settings, "enable", true),
		setActiveCommand(settings, "disable", false),
	)

	return cmd
}

// withStore opens the datastore for the duration of one subcommand.
func withStore(settings *conf.Settings, fn func(store datastore.Interface) error) error {
	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no database enabled in configuration")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer store.Close() //nolint:errcheck // read-mostly CLI session
	return fn(store)
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(settings, func(store datastore.Interface) error {
				stations, err := store.GetAllStations()
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tURL\tACTIVE\tSTATUS\tLAST CHECKED")
				for i := range stations {
					s := &stations[i]
					checked := "-"
					if !s.LastChecked.IsZero() {
						checked = s.LastChecked.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n",
						s.ID, s.Name, s.StreamURL, s.Active, s.Status, checked)
				}
				return w.Flush()
			})
		},
	}
}

func addCommand(settings *conf.Settings) *cobra.Command {
	var name, url string
	var inactive bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a station",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(settings, func(store datastore.Interface) error {
				station := &datastore.Station{
					Name:      name,
					StreamURL: url,
					Active:    !inactive,
				}
				if err := store.SaveStation(station); err != nil {
					return err
				}
				fmt.Printf("added station %d: %s\n", station.ID, station.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Station name")
	cmd.Flags().StringVar(&url, "url", "", "Stream URL")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the station without monitoring it")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func setActiveCommand(settings *conf.Settings, use string, active bool) *cobra.Command {
	short := "Enable monitoring for a station"
	if !active {
		short = "Disable monitoring for a station"
	}

	return &cobra.Command{
		Use:   use + " [station-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid station id %q: %w", args[0], err)
			}
			return withStore(settings, func(store datastore.Interface) error {
				station, err := store.GetStation(uint(id))
				if err != nil {
					return err
				}
				station.Active = active
				if err := store.SaveStation(&station); err != nil {
					return err
				}
				fmt.Printf("station %d (%s): active=%t\n", station.ID, station.Name, station.Active)
				return nil
			})
		},
	}
}
