package entity

import (
	"fmt"
	"sort"
	"strings"
)

// BuildContextSummary renders the cached state as a prompt fragment
// the model can use to resolve references to previously discussed
// entities. Output is deterministic for a given cache state: fact
// buckets keep insertion order and entity counts are sorted by kind.
func (c *Cache) BuildContextSummary() string {
	var parts []string

	atRisk := c.Facts(FactAtRiskOpportunities)
	if len(atRisk) > 0 {
		parts = append(parts, "CACHED CONTEXT - AT-RISK OPPORTUNITIES:")
		for _, opp := range atRisk {
			id := stringField(opp, "id")
			name := stringField(opp, "name")
			accountID := "Unknown"
			jiraProject := ""
			if full, ok := c.Get(KindOpportunity, id); ok {
				if v := stringField(full.Data, "AccountId"); v != "" {
					accountID = v
				}
				jiraProject = stringField(full.Data, "Jira_Project_Key__c")
			}
			parts = append(parts, fmt.Sprintf("- Opportunity: '%s' (ID: %s, Account ID: %s)", name, id, accountID))
			account := stringField(opp, "account")
			if account == "" {
				account = "Unknown"
			}
			parts = append(parts, fmt.Sprintf("  Status: At Risk, Account: %s", account))
			if jiraProject != "" {
				parts = append(parts, fmt.Sprintf("  Linked Jira Project: %s", jiraProject))
			}
		}
	}

	critical := c.Facts(FactCriticalIssues)
	if len(critical) > 0 {
		parts = append(parts, "", "CACHED CONTEXT - CRITICAL ISSUES:")
		for _, issue := range critical {
			parts = append(parts, fmt.Sprintf("- %s: %s", stringField(issue, "key"), stringField(issue, "summary")))
			parts = append(parts, fmt.Sprintf("  Status: %s, Priority: %s", stringField(issue, "status"), stringField(issue, "priority")))
		}
	}

	if c.Len() > 0 {
		parts = append(parts, "", fmt.Sprintf("CACHED ENTITIES AVAILABLE (%d total):", c.Len()))
		counts := c.CountByKind()
		kinds := make([]string, 0, len(counts))
		for kind := range counts {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			parts = append(parts, fmt.Sprintf("- %d %s(s) cached and available", counts[kind], kind))
		}
	}

	if len(parts) == 0 {
		return ""
	}

	parts = append(parts, "",
		"IMPORTANT: Use this cached context to make intelligent inferences about user requests.",
		"When users refer to 'the opportunity', 'that case', or similar references, use the cached context above.",
		"For activity creation, use the Account ID from cached opportunity data when the user refers to a previously discussed opportunity.",
		"")
	return strings.Join(parts, "\n")
}
