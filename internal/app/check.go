package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"cvmfsreplica/internal/config"
	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/internal/plugin/builtin"
	logx "cvmfsreplica/pkg/logx"
)

// Check loads the configuration, resolves every repository exactly as the
// daemon would and prints the result. It fails on a global configuration
// error or when any enabled repository would be skipped.
func Check(cfgPath string, out io.Writer, log logx.Logger) error {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	reg := plugin.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return err
	}
	entries, err := cfgm.Repositories(cfg)
	if err != nil {
		return err
	}
	repos, skipped := ResolveRepositories(cfg, entries, reg, log)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "agents:\t%d\n", cfg.Workers())
	fmt.Fprintf(tw, "plugins:\t%s\n\n", strings.Join(reg.Names(), ", "))
	fmt.Fprintln(tw, "REPOSITORY\tSCHEDULE\tNTRIALS\tPRIORITY\tTIMEOUT\tLAST SNAPSHOT\tCOMMAND")
	for _, r := range repos {
		last := "never"
		if !r.LastSnapshot.IsZero() {
			last = r.LastSnapshot.Format("2006-01-02 15:04:05 MST")
		}
		timeout := "none"
		if r.Timeout > 0 {
			timeout = r.Timeout.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.Name, r.Schedule, r.NTrials, r.Priority, timeout, last, strings.Join(r.Command, " "))
	}
	for _, s := range skipped {
		fmt.Fprintf(tw, "%s\tSKIPPED: %v\n", s.Name, s.Err)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(skipped) > 0 {
		return fmt.Errorf("%w: %d repositories would be skipped", config.ErrInvalid, len(skipped))
	}
	return nil
}
