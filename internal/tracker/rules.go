package tracker

import "github.com/Brahma-fi/brahma-connect/internal/rules"

var strippedResponseHeaders = []string{
	"x-frame-options",
	"X-Frame-Options",
	"content-security-policy",
	"Content-Security-Policy",
}

func headerRule(contextIDs []int) rules.Rule {
	headers := make([]rules.HeaderInfo, 0, len(strippedResponseHeaders))
	for _, h := range strippedResponseHeaders {
		headers = append(headers, rules.HeaderInfo{Header: h, Operation: rules.HeaderRemove})
	}

	return rules.Rule{
		ID:       rules.HeadersRuleID,
		Priority: 1,
		Action: rules.Action{
			Type:            rules.ActionModifyHeaders,
			ResponseHeaders: headers,
		},
		Condition: rules.Condition{
			ResourceTypes: []rules.ResourceType{rules.ResourceSubFrame},
			TabIDs:        contextIDs,
		},
	}
}

func redirectRule(contextID int, endpoint, forkURL string) rules.Rule {
	return rules.Rule{
		ID:       rules.RuleID(contextID, endpoint, rules.PurposeRedirect),
		Priority: 1,
		Action: rules.Action{
			Type:     rules.ActionRedirect,
			Redirect: &rules.Redirect{URL: forkURL},
		},
		Condition: rules.Condition{
			ResourceTypes: []rules.ResourceType{rules.ResourceXMLHTTPRequest},
			URLFilter:     endpoint,
			TabIDs:        []int{contextID},
		},
	}
}

func rpcConfigRule(url, chainID, jwtToken string) rules.Rule {
	return rules.Rule{
		ID:       rules.RPCConfigRuleID,
		Priority: 1,
		Action: rules.Action{
			Type: rules.ActionModifyHeaders,
			RequestHeaders: []rules.HeaderInfo{
				{Header: "Authorization", Operation: rules.HeaderSet, Value: "Bearer " + jwtToken},
				{Header: "ChainID", Operation: rules.HeaderSet, Value: chainID},
			},
		},
		Condition: rules.Condition{
			ResourceTypes: []rules.ResourceType{rules.ResourceXMLHTTPRequest},
			URLFilter:     url,
		},
	}
}
