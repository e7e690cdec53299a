package audit

import "sort"

// FinalVerdict reduces auditor verdicts: FAIL with at least two FAIL votes, else PASS with at
// least two PASS votes, else ERROR with at least two ERROR votes, else INCONCLUSIVE
func FinalVerdict(results []*AuditResult) Verdict {
	counts := tally(results)
	switch {
	case counts[VerdictFail] >= 2:
		return VerdictFail
	case counts[VerdictPass] >= 2:
		return VerdictPass
	case counts[VerdictError] >= 2:
		return VerdictError
	default:
		return VerdictInconclusive
	}
}

func tally(results []*AuditResult) map[Verdict]int {
	counts := map[Verdict]int{}
	for _, result := range results {
		counts[result.Verdict]++
	}
	return counts
}

// CrossValidateAuditorHashes groups the non-error results by evidence hash and returns the
// auditors whose hash differs from the majority hash. No auditor is flagged without a strict
// majority hash.
func CrossValidateAuditorHashes(results []*AuditResult) []string {
	groups := map[string][]string{}
	for _, result := range results {
		if result.Verdict == VerdictError || result.EvidenceHash == "" {
			continue
		}
		groups[result.EvidenceHash] = append(groups[result.EvidenceHash], result.AuditorPeer)
	}

	majority := ""
	best := 0
	tie := false
	for hash, auditors := range groups {
		if len(auditors) > best {
			majority = hash
			best = len(auditors)
			tie = false
		} else if len(auditors) == best {
			tie = true
		}
	}

	suspicious := make([]string, 0)
	if tie || majority == "" {
		return suspicious
	}

	for hash, auditors := range groups {
		if hash != majority {
			suspicious = append(suspicious, auditors...)
		}
	}
	sort.Strings(suspicious)
	return suspicious
}
