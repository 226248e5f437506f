package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portscope/internal/profiles"
)

var profilesOutput string

// profilesCmd represents the profiles command.
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect scan profiles",
	Long: `View the scan profiles available to "portscope scan --profile" and to the
API. Built-in profiles can be overridden or extended in the config file.`,
	Example: `  portscope profiles list
  portscope profiles show quick`,
}

// profilesListCmd represents the profiles list command.
var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available scan profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		manager, err := loadProfiles()
		if err != nil {
			return err
		}
		return writeProfiles(cmd.OutOrStdout(), manager.List(), profilesOutput)
	},
}

// profilesShowCmd represents the profiles show command.
var profilesShowCmd = &cobra.Command{
	Use:   "show <profile-name>",
	Short: "Show details of a specific scan profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := loadProfiles()
		if err != nil {
			return err
		}
		profile, err := manager.Get(args[0])
		if err != nil {
			return err
		}
		return writeProfiles(cmd.OutOrStdout(), []profiles.Profile{profile}, profilesOutput)
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesShowCmd)

	profilesCmd.PersistentFlags().StringVarP(&profilesOutput, "output", "o", outputText, "Output format: text or json")
}

func loadProfiles() (*profiles.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return profiles.NewManager(cfg.Profiles, cfg.ProfileDefaults()), nil
}

func writeProfiles(w io.Writer, list []profiles.Profile, output string) error {
	if output == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Name", "Ports", "Protocol", "Timeout", "Workers", "Description")
	for _, p := range list {
		_ = table.Append([]string{
			p.Name,
			profilePorts(p),
			displayOr(p.Protocol, "tcp"),
			displayOr(durationString(p.Timeout), "default"),
			displayOr(intString(p.Workers), "default"),
			p.Description,
		})
	}
	return table.Render()
}

func profilePorts(p profiles.Profile) string {
	switch {
	case p.Ports != "":
		return truncate(p.Ports, 30)
	case p.StartPort != 0 || p.EndPort != 0:
		return fmt.Sprintf("%d-%d", p.StartPort, p.EndPort)
	default:
		return "default"
	}
}

func displayOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func intString(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}
