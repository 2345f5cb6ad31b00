package catalog

import (
	"strings"

	"github.com/chen-liangping/Omni/internal/domain"
)

func rule(id, title, description string) domain.ProtectionRule {
	return domain.ProtectionRule{ID: id, Title: title, Description: description, Enabled: true, Locked: true}
}

var (
	productionRules = []domain.ProtectionRule{
		rule(domain.RuleRestrictDeletion, "Restrict deletion", "The branch cannot be deleted"),
		rule("require-deployment", "Require deployment", "Changes must deploy to staging before they merge"),
		rule("require-ci", "CI checks", "CI checks must pass"),
		rule("require-up-to-date", "Up to date", "The branch must be current with its base before merging"),
		rule("dismiss-stale-reviews", "Stale reviews", "New commits dismiss existing approvals"),
		rule("require-other-reviewer", "Independent review", "Someone other than the author must approve"),
		rule("require-two-approvals", "Approvals", "At least two approvals are required"),
		rule("require-code-owners", "Code owners", "Approvals must come from the designated reviewer group"),
		rule("block-force-push", "No force push", "Direct and forced pushes are rejected"),
		rule("enforce-admins", "Include administrators", "Administrators cannot bypass the rules"),
	}
	integrationRules = []domain.ProtectionRule{
		rule(domain.RuleRestrictDeletion, "Restrict deletion", "The branch cannot be deleted"),
		rule("require-ci", "CI checks", "CI checks must pass"),
		rule("require-up-to-date", "Up to date", "The branch must be current with its base before merging"),
		rule("dismiss-stale-reviews", "Stale reviews", "New commits dismiss existing approvals"),
		rule("require-other-reviewer", "Independent review", "Someone other than the author must approve"),
		rule("require-one-approval", "Approvals", "At least one approval is required"),
		rule("block-force-push", "No force push", "Direct and forced pushes are rejected"),
		rule("enforce-admins", "Include administrators", "Administrators cannot bypass the rules"),
	}
	deployRules = []domain.ProtectionRule{
		rule(domain.RuleRestrictDeletion, "Restrict deletion", "The branch cannot be deleted"),
		rule("require-ci", "CI checks", "CI checks must pass"),
		rule("require-up-to-date", "Up to date", "The branch must be current with its base before merging"),
	}
)

// RulesFor returns the protection rules injected for a branch name, or nil
// when the branch is not protected.
func RulesFor(branch string) []domain.ProtectionRule {
	var rules []domain.ProtectionRule
	switch {
	case branch == "main" || branch == "master":
		rules = productionRules
	case branch == "develop":
		rules = integrationRules
	case strings.HasPrefix(branch, "deploy/"):
		rules = deployRules
	default:
		return nil
	}
	return append([]domain.ProtectionRule(nil), rules...)
}
