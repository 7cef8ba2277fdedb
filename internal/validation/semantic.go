package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/internal/handlers"
	"github.com/rendis/calflow/pkg/schema"
)

// maxRetryCount mirrors the cap the retry envelope applies at run time.
const maxRetryCount = 10

// reservedRoots resolve without a node of that id.
var reservedRoots = map[string]bool{"trigger": true, "run": true}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validateSemantic checks what the schema cannot: node id uniqueness, edge
// endpoints, handler availability, references and per-type config values.
func validateSemantic(wf *schema.Workflow, lookup HandlerLookup, engines *expressions.Engines) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	index := make(map[string]int, len(wf.Nodes))
	for i, n := range wf.Nodes {
		if prev, dup := index[n.ID]; dup {
			result.NodeError(n.ID, fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q (first declared at nodes[%d])", n.ID, prev))
			continue
		}
		index[n.ID] = i
	}

	parents := make(map[string][]string)
	outLabels := make(map[string][]string)
	for i, e := range wf.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		srcIdx, srcOK := index[e.Source]
		_, dstOK := index[e.Target]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !dstOK {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if e.Source == e.Target {
			result.AddError(path, schema.ErrCodeCycleDetected,
				fmt.Sprintf("node %q has an edge to itself", e.Source))
		}
		if !srcOK || !dstOK {
			continue
		}
		parents[e.Target] = append(parents[e.Target], e.Source)
		outLabels[e.Source] = append(outLabels[e.Source], e.Branch())
		if e.Branch() != "" && wf.Nodes[srcIdx].Type != schema.NodeLogic {
			result.AddWarning(path+".label", schema.ErrCodeValidation,
				fmt.Sprintf("label %q is ignored: source %q is not a logic node", e.Branch(), e.Source))
		}
	}

	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if lookup != nil && !lookup.Has(n.Type) {
			result.NodeError(n.ID, path+".type", schema.ErrCodeUnknownNodeType,
				fmt.Sprintf("no handler registered for node type %q", n.Type))
			continue
		}
		validateReferences(n, path, index, parents, result)
		validateNodeConfig(n, path, outLabels[n.ID], engines, result)
	}
	return result
}

// validateReferences requires every {{root...}} in a config to name either a
// reserved root or an ancestor of the node.
func validateReferences(n schema.Node, path string, index map[string]int, parents map[string][]string, result *schema.ValidationResult) {
	if !expressions.HasReferences(n.Config) {
		return
	}
	var ancestors map[string]bool
	for _, root := range expressions.ReferencedNodes(n.Config) {
		if _, isNode := index[root]; !isNode {
			if reservedRoots[root] {
				continue
			}
			result.NodeError(n.ID, path+".config", schema.ErrCodeUnresolvedReference,
				fmt.Sprintf("reference to unknown node %q", root))
			continue
		}
		if ancestors == nil {
			ancestors = ancestorsOf(n.ID, parents)
		}
		if !ancestors[root] {
			result.NodeWarning(n.ID, path+".config", schema.ErrCodeUnresolvedReference,
				fmt.Sprintf("node %q is not upstream of %q; its output may not exist when %q runs", root, n.ID, n.ID))
		}
	}
}

func ancestorsOf(id string, parents map[string][]string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), parents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, parents[cur]...)
	}
	return seen
}

func validateNodeConfig(n schema.Node, path string, labels []string, engines *expressions.Engines, result *schema.ValidationResult) {
	cfgPath := path + ".config"
	templated := expressions.HasReferences(n.Config)

	// Whole-reference values may resolve to any type, so they are masked
	// before the typed decode and checked at dispatch instead.
	raw, masked, err := expressions.MaskReferences(n.Config)
	if err != nil {
		result.NodeError(n.ID, cfgPath, schema.ErrCodeConfiguration, err.Error())
		return
	}
	cfg, err := schema.DecodeConfig(n.Type, raw)
	if err != nil {
		result.NodeError(n.ID, cfgPath, schema.ErrCodeConfiguration, err.Error())
		return
	}

	switch c := cfg.(type) {
	case *schema.ScheduleConfig:
		if _, err := cronParser.Parse(c.Cron); err != nil {
			result.NodeError(n.ID, cfgPath+".cron", schema.ErrCodeConfiguration,
				fmt.Sprintf("invalid cron expression %q: %v", c.Cron, err))
		}
		if c.Timezone != "" {
			if _, err := time.LoadLocation(c.Timezone); err != nil {
				result.NodeError(n.ID, cfgPath+".timezone", schema.ErrCodeConfiguration,
					fmt.Sprintf("unknown timezone %q", c.Timezone))
			}
		}
	case *schema.LogicConfig:
		if !templated && engines != nil {
			validateExpression(n.ID, cfgPath, c, engines, result)
		}
		if len(labels) == 0 {
			result.NodeWarning(n.ID, path, schema.ErrCodeValidation,
				fmt.Sprintf("logic node %q has no outgoing edges", n.ID))
		}
		for _, l := range labels {
			if l == "" {
				result.NodeWarning(n.ID, path, schema.ErrCodeValidation,
					fmt.Sprintf("logic node %q has an unlabelled outgoing edge; it never matches a branch", n.ID))
				break
			}
		}
	case *schema.DelayConfig:
		if !masked["duration"] && !masked["minutes"] && !strings.Contains(c.Duration, "{{") {
			if _, err := c.Wait(); err != nil {
				result.NodeError(n.ID, cfgPath, schema.ErrCodeConfiguration, err.Error())
			}
		}
	case *schema.WebhookConfig:
		validateRequest(n.ID, c.RequestConfig, cfgPath, masked, result)
	case *schema.APIConfig:
		validateRequest(n.ID, c.RequestConfig, cfgPath, masked, result)
		if engines != nil {
			for field, path := range c.ResponseMapping {
				if err := engines.JQ.Check(path); err != nil {
					result.NodeError(n.ID, cfgPath+".responseMapping."+field, schema.ErrCodeExpression, err.Error())
				}
			}
		}
	case *schema.ActionConfig:
		if c.Kind == schema.ActionHTTPRequest {
			validateRequest(n.ID, c.RequestConfig, cfgPath, masked, result)
		}
	case *schema.ApprovalConfig:
		if strings.TrimSpace(c.Approver) == "" {
			result.NodeWarning(n.ID, cfgPath+".approver", schema.ErrCodeValidation,
				"approval has no approver; any actor may resolve it")
		}
	case *schema.FormConfig:
		if c.TimeoutMinutes < 0 {
			result.NodeError(n.ID, cfgPath+".timeoutMinutes", schema.ErrCodeConfiguration,
				"timeoutMinutes must not be negative")
		}
	case *schema.NotificationConfig:
		switch c.Channel {
		case schema.ChannelEmail, schema.ChannelSMS, schema.ChannelInApp:
		default:
			if !masked["channel"] && !strings.Contains(c.Channel, "{{") {
				result.NodeError(n.ID, cfgPath+".channel", schema.ErrCodeConfiguration,
					fmt.Sprintf("unknown notification channel %q", c.Channel))
			}
		}
	}
}

func validateRequest(nodeID string, req schema.RequestConfig, path string, masked map[string]bool, result *schema.ValidationResult) {
	if !masked["url"] && !strings.Contains(req.URL, "{{") {
		if err := handlers.ValidateURL(req.URL); err != nil {
			result.NodeError(nodeID, path+".url", schema.ErrCodeConfiguration, err.Error())
		}
	}
	if req.RetryCount != nil && *req.RetryCount > maxRetryCount {
		result.NodeWarning(nodeID, path+".retryCount", schema.ErrCodeValidation,
			fmt.Sprintf("retryCount %d exceeds the maximum of %d and will be capped", *req.RetryCount, maxRetryCount))
	}
}

// validateExpression compiles a logic expression so syntax errors surface at
// publish instead of on the first run.
func validateExpression(nodeID, cfgPath string, c *schema.LogicConfig, engines *expressions.Engines, result *schema.ValidationResult) {
	engine, err := engines.ForLanguage(c.Language)
	if err != nil {
		result.NodeError(nodeID, cfgPath+".language", schema.ErrCodeConfiguration, err.Error())
		return
	}
	checker, ok := engine.(interface{ Check(string) error })
	if !ok {
		return
	}
	if err := checker.Check(c.Expression); err != nil {
		result.NodeError(nodeID, cfgPath+".expression", schema.ErrCodeExpression, err.Error())
	}
}
