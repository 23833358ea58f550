package journal

import (
	"fmt"
	"sort"

	config "github.com/mpoegel/camtrap/pkg/config"
	cli "github.com/urfave/cli/v2"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print capture statistics from the local journal",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "recent",
				Value: 5,
				Usage: "number of recent captures to list",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			j, err := Open(cfg.Storage.JournalPath)
			if err != nil {
				return err
			}
			defer j.Close()

			return printStatus(c, j, c.Int("recent"))
		},
	}
}

func printStatus(c *cli.Context, j *Journal, recent int) error {
	w := c.App.Writer

	stats, err := j.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "captures: %d\n", stats.Total)
	if !stats.Last.IsZero() {
		fmt.Fprintf(w, "last:     %s\n", stats.Last.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w, "by trigger:")
	for _, k := range sortedKeys(stats.ByTrigger) {
		fmt.Fprintf(w, "   %-10s %d\n", k, stats.ByTrigger[k])
	}
	fmt.Fprintln(w, "by status:")
	byStatus := make(map[string]int, len(stats.ByStatus))
	for k, v := range stats.ByStatus {
		byStatus[string(k)] = v
	}
	for _, k := range sortedKeys(byStatus) {
		fmt.Fprintf(w, "   %-10s %d\n", k, byStatus[k])
	}

	if recent <= 0 {
		return nil
	}
	entries, err := j.Recent(recent)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "recent:")
	for _, e := range entries {
		media := e.Media
		if media == "" {
			media = "-"
		}
		fmt.Fprintf(w, "   %s  %-8s %-20s %5.1fC %5.1f%%  %s\n",
			e.TakenAt.Local().Format("2006-01-02 15:04:05"), e.Trigger, media, e.Temperature, e.Humidity, e.Status)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
