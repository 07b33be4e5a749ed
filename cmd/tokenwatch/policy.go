package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/artpar/tokenwatch/domain/policy"
	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or change retention and sampling policies",
	Long: `Show or change the retention and sampling policies stored in the database.

Keys follow the JSON field names of GET /system/config.

Examples:
  tokenwatch policy show
  tokenwatch policy set retention.metrics_days 30
  tokenwatch policy set sampling.rate 0.25
  tokenwatch policy set sampling.models.gpt-4o 1
  tokenwatch policy unset sampling.models.gpt-4o`,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active policies as JSON",
	RunE:  runPolicyShow,
}

var policySetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a policy value",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicySet,
}

var policyUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a sampling override",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyUnset,
}

func init() {
	rootCmd.AddCommand(policyCmd)

	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policySetCmd)
	policyCmd.AddCommand(policyUnsetCmd)
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	data, err := json.MarshalIndent(app.Settings.Policies(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	return updatePolicy(cmd, args[0], func(snap policy.Snapshot) (policy.Snapshot, error) {
		return setPolicyValue(snap, args[0], args[1])
	})
}

func runPolicyUnset(cmd *cobra.Command, args []string) error {
	return updatePolicy(cmd, args[0], func(snap policy.Snapshot) (policy.Snapshot, error) {
		return unsetPolicyValue(snap, args[0])
	})
}

func updatePolicy(cmd *cobra.Command, key string, change func(policy.Snapshot) (policy.Snapshot, error)) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	snap, err := change(app.Settings.Policies())
	if err != nil {
		return err
	}
	if err := app.Settings.Update(cmd.Context(), snap); err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Updated %s\n", checkMark, key)
	return nil
}

// setPolicyValue sets one dotted key of the snapshot's JSON form.
func setPolicyValue(snap policy.Snapshot, key, value string) (policy.Snapshot, error) {
	section, field, name, err := splitPolicyKey(key)
	if err != nil {
		return snap, err
	}

	switch section {
	case "retention":
		if name != "" {
			return snap, fmt.Errorf("unknown policy key %q", key)
		}
		return setRetentionField(snap, field, value, key)

	case "sampling":
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return snap, fmt.Errorf("%s: %q is not a number", key, value)
		}
		s := cloneSampling(snap.Sampling)
		switch {
		case field == "rate" && name == "":
			s.Rate = rate
		case field == "models" && name != "":
			if s.Models == nil {
				s.Models = map[string]float64{}
			}
			s.Models[name] = rate
		case field == "applications" && name != "":
			if s.Applications == nil {
				s.Applications = map[string]float64{}
			}
			s.Applications[name] = rate
		default:
			return snap, fmt.Errorf("unknown policy key %q", key)
		}
		snap.Sampling = s
		return snap, nil
	}
	return snap, fmt.Errorf("unknown policy key %q", key)
}

func setRetentionField(snap policy.Snapshot, field, value, key string) (policy.Snapshot, error) {
	data, err := json.Marshal(snap.Retention)
	if err != nil {
		return snap, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return snap, err
	}
	current, ok := fields[field]
	if !ok {
		return snap, fmt.Errorf("unknown policy key %q", key)
	}

	// The stored kind decides how the value parses.
	switch string(current) {
	case "true", "false":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return snap, fmt.Errorf("%s: %q is not a boolean", key, value)
		}
		fields[field] = json.RawMessage(strconv.FormatBool(b))
	default:
		n, err := strconv.Atoi(value)
		if err != nil {
			return snap, fmt.Errorf("%s: %q is not a whole number of days", key, value)
		}
		fields[field] = json.RawMessage(strconv.Itoa(n))
	}

	data, err = json.Marshal(fields)
	if err != nil {
		return snap, err
	}
	var r policy.Retention
	if err := json.Unmarshal(data, &r); err != nil {
		return snap, err
	}
	snap.Retention = r
	return snap, nil
}

// unsetPolicyValue removes a per-model or per-application sampling override.
func unsetPolicyValue(snap policy.Snapshot, key string) (policy.Snapshot, error) {
	section, field, name, err := splitPolicyKey(key)
	if err != nil {
		return snap, err
	}
	if section != "sampling" || name == "" {
		return snap, fmt.Errorf("only sampling overrides can be unset, got %q", key)
	}

	s := cloneSampling(snap.Sampling)
	switch field {
	case "models":
		delete(s.Models, name)
	case "applications":
		delete(s.Applications, name)
	default:
		return snap, fmt.Errorf("unknown policy key %q", key)
	}
	snap.Sampling = s
	return snap, nil
}

// splitPolicyKey splits "section.field[.name]". Names may contain dots.
func splitPolicyKey(key string) (section, field, name string, err error) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("policy key must look like section.field, got %q", key)
	}
	if len(parts) == 3 {
		name = parts[2]
	}
	return parts[0], parts[1], name, nil
}

func cloneSampling(s policy.Sampling) policy.Sampling {
	out := policy.Sampling{Rate: s.Rate}
	if s.Models != nil {
		out.Models = make(map[string]float64, len(s.Models))
		for k, v := range s.Models {
			out.Models[k] = v
		}
	}
	if s.Applications != nil {
		out.Applications = make(map[string]float64, len(s.Applications))
		for k, v := range s.Applications {
			out.Applications[k] = v
		}
	}
	return out
}
