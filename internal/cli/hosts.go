package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/daliugebuild/internal/hostmod"
)

// hostsFlags holds the flag values for the hosts command.
type hostsFlags struct {
	// all lists every rule instead of resolving one hostname.
	all bool
}

// NewHostsCommand creates the "hosts" cobra command.
func NewHostsCommand() *cobra.Command {
	flags := &hostsFlags{}

	cmd := &cobra.Command{
		Use:   "hosts [hostname]",
		Short: "Show the environment modules selected for a host",
		Long: `Show which environment modules the provisioning run would load on a host,
without loading anything.

The hostname defaults to --hostname, then to the system hostname. Rules come
from --hosts-file, or the built-in rules when no file is configured.

Examples:
  daliugebuild hosts
  daliugebuild hosts hyades01
  daliugebuild hosts --all --hosts-file hosts.yaml`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runHosts(cmd, args, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.all, "all", false, "List every rule in match order")

	return cmd
}

// hostsResultJSON is the JSON output of the hosts command for one hostname.
type hostsResultJSON struct {
	Hostname string   `json:"hostname"`
	Matched  bool     `json:"matched"`
	Pattern  string   `json:"pattern,omitempty"`
	Modules  []string `json:"modules"`
}

func runHosts(cmd *cobra.Command, args []string, flags *hostsFlags) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flags.all {
		return printRules(out, registry.Rules())
	}

	override := cfg.Hostname
	if len(args) == 1 {
		override = args[0]
	}
	descriptor, err := hostmod.CurrentDescriptor(override)
	if err != nil {
		return err
	}

	modules, rule, ok := registry.Lookup(descriptor)
	result := hostsResultJSON{
		Hostname: descriptor.Hostname,
		Matched:  ok,
		Modules:  make([]string, 0, len(modules)),
	}
	if ok {
		result.Pattern = rule.Pattern
		result.Modules = append(result.Modules, modules...)
	}

	if IsJSONOutput() {
		return writeJSON(out, result)
	}

	if !ok {
		fmt.Fprintf(out, "%s: no modules\n", result.Hostname)
		return nil
	}
	fmt.Fprintf(out, "%s: %s (rule %s)\n", result.Hostname, strings.Join(result.Modules, " "), result.Pattern)
	return nil
}

// printRules outputs every rule in match order as a table or JSON array.
//
//	PATTERN              MODULES
//	*hyades*             python/2.7.11
func printRules(out io.Writer, rules []hostmod.Rule) error {
	if IsJSONOutput() {
		type resultJSON struct {
			Hosts []hostmod.Rule `json:"hosts"`
		}
		result := resultJSON{Hosts: make([]hostmod.Rule, 0, len(rules))}
		result.Hosts = append(result.Hosts, rules...)
		return writeJSON(out, result)
	}

	if len(rules) == 0 {
		fmt.Fprintln(out, "No host rules configured.")
		return nil
	}

	fmt.Fprintf(out, "%-20s %s\n", "PATTERN", "MODULES")
	for _, r := range rules {
		fmt.Fprintf(out, "%-20s %s\n", r.Pattern, strings.Join(r.Modules, " "))
	}
	return nil
}
