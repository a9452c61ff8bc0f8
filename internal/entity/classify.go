package entity

import (
	"encoding/json"
	"strings"
	"time"
)

// Entity kinds produced by the classifiers.
const (
	KindOpportunity = "Opportunity"
	KindCase        = "Case"
	KindAccount     = "Account"
	KindContact     = "Contact"
	KindIssue       = "Issue"
)

// A Classifier inspects one decoded tool-result record and produces
// cacheable entities plus session facts. Records it does not recognize
// yield nothing; classification never fails.
type Classifier interface {
	Classify(record map[string]any) ([]CachedEntity, map[string][]Fact)
}

// ClassifierFor returns the classifier for a backend service name, or
// nil when no classifier applies (results from that service are not
// cached).
func ClassifierFor(service string) Classifier {
	switch service {
	case "crm", "salesforce":
		return crmClassifier{}
	case "tracker", "jira":
		return trackerClassifier{}
	}
	return nil
}

// Ingest parses a raw tool-result string and feeds every recognized
// record through the classifier into the cache. Results that are not
// JSON, or JSON of an unrecognized shape, are ignored: ingestion is a
// best-effort side channel and never affects the tool call itself.
func (c *Cache) Ingest(cl Classifier, result string) int {
	if cl == nil {
		return 0
	}

	trimmed := strings.TrimSpace(result)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return 0
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return 0
	}

	stored := 0
	for _, record := range flattenRecords(decoded) {
		entities, facts := cl.Classify(record)
		for _, e := range entities {
			c.Put(e)
			stored++
		}
		for bucket, fs := range facts {
			for _, f := range fs {
				c.AddFact(bucket, f)
			}
		}
	}
	return stored
}

// flattenRecords normalizes the recognized result shapes — a single
// object, a bare array, or a wrapper with an "issues"/"items"/"records"
// list — into a flat slice of records.
func flattenRecords(decoded any) []map[string]any {
	switch v := decoded.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		for _, wrapper := range []string{"issues", "items", "records"} {
			if list, ok := v[wrapper].([]any); ok {
				var out []map[string]any
				for _, item := range list {
					if m, ok := item.(map[string]any); ok {
						out = append(out, m)
					}
				}
				return out
			}
		}
		return []map[string]any{v}
	}
	return nil
}

// crmClassifier recognizes CRM records by their 15/18-character ID
// prefix: 006 opportunity, 500 case, 001 account, 003 contact.
type crmClassifier struct{}

func (crmClassifier) Classify(record map[string]any) ([]CachedEntity, map[string][]Fact) {
	id, _ := record["Id"].(string)
	if len(id) != 15 && len(id) != 18 {
		return nil, nil
	}

	var kind string
	switch id[:3] {
	case "006":
		kind = KindOpportunity
	case "500":
		kind = KindCase
	case "001":
		kind = KindAccount
	case "003":
		kind = KindContact
	default:
		return nil, nil
	}

	name, _ := record["Name"].(string)
	if name == "" {
		// Cases carry a number instead of a name.
		name, _ = record["CaseNumber"].(string)
	}

	e := CachedEntity{
		Kind:     kind,
		ID:       id,
		Name:     name,
		Data:     record,
		CachedAt: time.Now(),
	}

	facts := map[string][]Fact{}
	if kind == KindOpportunity && stringField(record, "Implementation_Status__c") == "At Risk" {
		f := Fact{
			"id":         id,
			"name":       name,
			"amount":     record["Amount"],
			"account_id": record["AccountId"],
		}
		if account, ok := record["Account"].(map[string]any); ok {
			f["account"] = account["Name"]
		}
		facts[FactAtRiskOpportunities] = []Fact{f}
	}

	return []CachedEntity{e}, facts
}

// trackerClassifier recognizes issue-tracker records by their "key"
// plus nested "fields" shape.
type trackerClassifier struct{}

func (trackerClassifier) Classify(record map[string]any) ([]CachedEntity, map[string][]Fact) {
	key, _ := record["key"].(string)
	if key == "" {
		return nil, nil
	}

	fields, _ := record["fields"].(map[string]any)
	summary := stringField(fields, "summary")

	e := CachedEntity{
		Kind:     KindIssue,
		ID:       key,
		Name:     summary,
		Data:     record,
		CachedAt: time.Now(),
	}

	priority := nestedName(fields, "priority")
	status := nestedName(fields, "status")

	facts := map[string][]Fact{}
	if priority == "High" || priority == "Highest" || status == "Blocked" || status == "To Do" {
		facts[FactCriticalIssues] = []Fact{{
			"key":      key,
			"summary":  summary,
			"status":   status,
			"priority": priority,
		}}
	}

	return []CachedEntity{e}, facts
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// nestedName extracts fields[key]["name"], the tracker's convention
// for enumerated values like status and priority.
func nestedName(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	inner, _ := fields[key].(map[string]any)
	return stringField(inner, "name")
}
