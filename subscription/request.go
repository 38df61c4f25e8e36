package subscription

import (
	"encoding/json"

	dl "github.com/stepherg/datalayer"
)

// buildCreateBody constructs the subscription-creation payload. Interval
// properties ride at the top level; sampling, queueing and deadband
// settings are encoded as named rules. Zero-valued settings are omitted
// so the server applies its defaults.
func buildCreateBody(id string, nodes []string, st dl.Settings) ([]byte, error) {
	properties := map[string]interface{}{"id": id}
	if st.KeepaliveIntervalMs > 0 {
		properties["keepaliveInterval"] = st.KeepaliveIntervalMs
	}
	if st.PublishIntervalMs > 0 {
		properties["publishInterval"] = st.PublishIntervalMs
	}
	if st.ErrorIntervalMs > 0 {
		properties["errorInterval"] = st.ErrorIntervalMs
	}

	var rules []map[string]interface{}
	if st.SamplingIntervalUs > 0 {
		rules = append(rules, map[string]interface{}{
			"rule_type": "Sampling",
			"rule":      map[string]interface{}{"samplingInterval": st.SamplingIntervalUs},
		})
	}
	if st.QueueSize > 0 || st.QueueBehavior != "" {
		rule := map[string]interface{}{}
		if st.QueueSize > 0 {
			rule["queueSize"] = st.QueueSize
		}
		if st.QueueBehavior != "" {
			rule["behaviour"] = string(st.QueueBehavior)
		}
		rules = append(rules, map[string]interface{}{
			"rule_type": "Queueing",
			"rule":      rule,
		})
	}
	if st.DeadbandValue > 0 {
		rules = append(rules, map[string]interface{}{
			"rule_type": "DataChangeFilter",
			"rule":      map[string]interface{}{"deadBandValue": st.DeadbandValue},
		})
	}
	if rules != nil {
		properties["rules"] = rules
	}

	return json.Marshal(map[string]interface{}{
		"properties": properties,
		"nodes":      nodes,
	})
}
