package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/girder-io/girder/internal/ir"
	"github.com/girder-io/girder/pkg/sdk"
)

var policyFile string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Evaluate plans against policy rules",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <plan-file>",
	Short: "Check a saved plan against policy rules",
	Long: `Evaluates a saved plan against rules defined in a JSON policy file.

Policy rules can enforce constraints such as:
  - Deny destroying production resources
  - Require a labels attribute on every resource
  - Pin allowed machine types or regions

Example policy file:
  {
    "rules": [
      {
        "name": "no-public-buckets",
        "description": "Storage buckets must use uniform access",
        "resource_type": "gcp_storage_bucket",
        "condition": "property_not_equals",
        "property": "uniform_access",
        "value": "true",
        "severity": "error"
      }
    ]
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	policyCheckCmd.Flags().StringVarP(&policyFile, "policy", "p", ".girder/policies.json", "Path to policy file")
	policyCmd.AddCommand(policyCheckCmd)
}

// PolicyFile is a collection of policy rules.
type PolicyFile struct {
	Rules []PolicyRule `json:"rules"`
}

// PolicyRule defines a single policy check.
type PolicyRule struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ResourceType string `json:"resource_type"` // empty = all types
	Condition    string `json:"condition"`     // deny_action, property_equals, property_not_equals, require_property
	Property     string `json:"property"`
	Value        string `json:"value"`
	Severity     string `json:"severity"` // "error", "warning"
}

// PolicyViolation is one policy check failure.
type PolicyViolation struct {
	Rule     PolicyRule
	Resource string
	Message  string
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	plan, err := readPlanFile(args[0])
	if err != nil {
		return err
	}

	policyData, err := os.ReadFile(policyFile)
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", policyFile, err)
	}
	var policies PolicyFile
	if err := json.Unmarshal(policyData, &policies); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	violations := evaluatePolicies(plan, &policies)

	errors := 0
	warnings := 0
	for _, v := range violations {
		severity := strings.ToUpper(v.Rule.Severity)
		if severity == "" || severity == "ERROR" {
			errors++
			fmt.Printf("%s[ERROR]%s %s: %s\n", colorize(colorRed), colorize(colorReset), v.Rule.Name, v.Message)
		} else {
			warnings++
			fmt.Printf("%s[WARN]%s %s: %s\n", colorize(colorYellow), colorize(colorReset), v.Rule.Name, v.Message)
		}
	}

	fmt.Printf("\nPolicy check complete: %d error(s), %d warning(s)\n", errors, warnings)

	if errors > 0 {
		return fmt.Errorf("policy check failed with %d error(s)", errors)
	}
	return nil
}

func evaluatePolicies(plan *ir.Plan, policies *PolicyFile) []PolicyViolation {
	var violations []PolicyViolation

	for _, rule := range policies.Rules {
		for _, change := range plan.Changes {
			if rule.ResourceType != "" && change.Type != rule.ResourceType {
				continue
			}

			switch rule.Condition {
			case "deny_action":
				if strings.EqualFold(string(change.Action), rule.Value) {
					violations = append(violations, PolicyViolation{
						Rule:     rule,
						Resource: change.Address,
						Message:  fmt.Sprintf("Resource %s: action %s is denied by policy %q", change.Address, change.Action, rule.Description),
					})
				}

			case "property_equals":
				if val, ok := change.Desired[rule.Property]; ok {
					if fmt.Sprintf("%v", val) == rule.Value {
						violations = append(violations, PolicyViolation{
							Rule:     rule,
							Resource: change.Address,
							Message:  fmt.Sprintf("Resource %s: attribute %s=%v violates policy %q", change.Address, rule.Property, val, rule.Description),
						})
					}
				}

			case "property_not_equals":
				if val, ok := change.Desired[rule.Property]; ok {
					if fmt.Sprintf("%v", val) != rule.Value {
						violations = append(violations, PolicyViolation{
							Rule:     rule,
							Resource: change.Address,
							Message:  fmt.Sprintf("Resource %s: attribute %s=%v violates policy %q (expected %s)", change.Address, rule.Property, val, rule.Description, rule.Value),
						})
					}
				}

			case "require_property":
				creating := change.Action == sdk.ActionCreate || change.Action == sdk.ActionUpdate || change.Action == sdk.ActionReplace
				if creating && change.Desired != nil {
					if _, ok := change.Desired[rule.Property]; !ok {
						violations = append(violations, PolicyViolation{
							Rule:     rule,
							Resource: change.Address,
							Message:  fmt.Sprintf("Resource %s: missing required attribute %q per policy %q", change.Address, rule.Property, rule.Description),
						})
					}
				}
			}
		}
	}

	return violations
}
