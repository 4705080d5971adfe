package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"crowdgate/internal/model"
)

var (
	statusURL  string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live gate snapshot from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(statusURL + "/get_camera_status")
		if err != nil {
			return fmt.Errorf("query server: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		var snap map[string]model.GateView
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if statusJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
			for id, v := range snap {
				v.Frame = ""
				snap[id] = v
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		printStatusTable(snap)
		return nil
	},
}

func printStatusTable(snap map[string]model.GateView) {
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GATE\tSTATUS\tCOUNT\tCAMERA\tDEVICE\tERROR")
	for _, id := range ids {
		v := snap[id]
		camera := "-"
		if v.Connected {
			camera = string(v.CameraType)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", id, v.Status, v.Count, camera, v.DeviceName, v.Error)
	}
	w.Flush()
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:5000", "dashboard API base URL")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}
