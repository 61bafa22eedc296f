package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/loykin/servitor"
)

// command binds the handlers to the persistent flags. A fresh Manager is
// built per invocation so every command sees the config file as it is now.
type command struct {
	global *GlobalFlags
}

func (c *command) manager() (*servitor.Manager, error) {
	path := c.global.ConfigPath
	if path == "" {
		path = "servitor.toml"
	}
	mgr, err := servitor.NewFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

// Start starts one named service, or every enabled one with --all.
func (c *command) Start(f StartFlags) error {
	mgr, err := c.manager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	ctx := context.Background()

	if f.All {
		return mgr.StartAll(ctx)
	}
	if f.Name == "" {
		return fmt.Errorf("service name is required (or use --all)")
	}
	res, err := mgr.Start(ctx, f.Name)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case servitor.SkippedDisabled:
		return fmt.Errorf("service %s is disabled", f.Name)
	case servitor.AlreadyRunning:
		fmt.Printf("%s already running (pid %d)\n", f.Name, res.PID)
	default:
		fmt.Printf("%s started (pid %d, log %s)\n", f.Name, res.PID, res.LogPath)
	}
	return nil
}

// Stop stops one named service, or every configured one with --all.
func (c *command) Stop(f StopFlags) error {
	mgr, err := c.manager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	ctx := context.Background()

	if f.All {
		return mgr.StopAll(ctx)
	}
	if f.Name == "" {
		return fmt.Errorf("service name is required (or use --all)")
	}
	res, err := mgr.Stop(ctx, f.Name)
	if err != nil {
		return err
	}
	if res.Stopped {
		fmt.Printf("%s stopped (pid %d)\n", f.Name, res.PID)
	} else {
		fmt.Printf("%s was not running\n", f.Name)
	}
	return nil
}

// Restart stops then starts one named service.
func (c *command) Restart(f RestartFlags) error {
	if f.Name == "" {
		return fmt.Errorf("service name is required")
	}
	mgr, err := c.manager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	res, err := mgr.Restart(context.Background(), f.Name)
	if err != nil {
		return err
	}
	if res.Outcome == servitor.SkippedDisabled {
		return fmt.Errorf("service %s is disabled", f.Name)
	}
	fmt.Printf("%s restarted (pid %d, log %s)\n", f.Name, res.PID, res.LogPath)
	return nil
}

// Status prints a snapshot of every configured service, or one service
// when a name is given.
func (c *command) Status(f StatusFlags) error {
	mgr, err := c.manager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	reports := mgr.Status(context.Background())
	if f.Name != "" {
		filtered := reports[:0]
		for _, r := range reports {
			if r.Name == f.Name {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("%w: %s", servitor.ErrUnknownService, f.Name)
		}
		reports = filtered
	}
	if f.JSON {
		printJSON(reports)
		return nil
	}
	printStatusTable(reports)
	return nil
}

func printStatusTable(reports []servitor.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tENABLED\tPORT\tSTATE\tPID\tLOG")
	for _, r := range reports {
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprintf("%d", r.PID)
		}
		log := r.LogPath
		if log == "" {
			log = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%v\t%d\t%s\t%s\t%s\n", r.Name, r.Enabled, r.Port, r.State, pid, log)
	}
	_ = w.Flush()
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
