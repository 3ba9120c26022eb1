package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/tools"
	"go.uber.org/zap"
)

// Canvas tool names.
const (
	ToolGetCanvasState         = "get_canvas_state"
	ToolCreateWorkflowNode     = "create_workflow_node"
	ToolUpdateWorkflowNode     = "update_workflow_node"
	ToolDeleteWorkflowNode     = "delete_workflow_node"
	ToolListAvailableWorkflows = "list_available_workflows"
)

const (
	defaultWorkflowPage  = 1
	defaultWorkflowLimit = 20
)

// WorkflowLister lists a team's workflows.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, teamID string) ([]domain.Workflow, error)
}

type getCanvasStateArgs struct{}

type createNodeArgs struct {
	ID    string  `json:"id" jsonschema:"required,description=Unique node id such as wf1"`
	X     float64 `json:"x" jsonschema:"required,description=X coordinate"`
	Y     float64 `json:"y" jsonschema:"required,description=Y coordinate"`
	Type  string  `json:"type" jsonschema:"required,description=Node type; always workflow"`
	Props string  `json:"props" jsonschema:"required,description=JSON object string with workflowId and name or workflowName; optional description and w/h (defaults 280x120)"`
}

type updateNodeArgs struct {
	ID    string `json:"id" jsonschema:"required,description=Id of the node to update"`
	Props string `json:"props" jsonschema:"required,description=JSON object string of the props to change"`
}

type deleteNodeArgs struct {
	ID string `json:"id" jsonschema:"required"`
}

type listWorkflowsArgs struct {
	Keyword string `json:"keyword,omitempty"`
	Page    int    `json:"page,omitempty" jsonschema:"minimum=1"`
	Limit   int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type workflowView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     int    `json:"version"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Tools returns the canvas tools bound to one session and team.
func Tools(sessionID, teamID string, snapshots *SnapshotCache, workflows WorkflowLister, logger *zap.Logger) []*tools.Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []*tools.Tool{
		tools.New(ToolGetCanvasState,
			"Get the current canvas state: nodes, viewport and selection.",
			tools.SchemaFor(&getCanvasStateArgs{}),
			func(context.Context, json.RawMessage) (json.RawMessage, error) {
				return success(snapshots.Get(sessionID))
			}),
		tools.New(ToolCreateWorkflowNode,
			"Create a workflow node on the canvas. props must carry workflowId and name or workflowName.",
			tools.SchemaFor(&createNodeArgs{}),
			func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
				var args createNodeArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err)
				}
				logger.Debug("create_workflow_node", zap.String("node_id", args.ID))
				props, ok := parseProps(args.Props, logger)
				if !ok {
					return invalidProps()
				}
				return success(map[string]any{"id": args.ID, "x": args.X, "y": args.Y, "type": args.Type, "props": props})
			}),
		tools.New(ToolUpdateWorkflowNode,
			"Update the props of an existing workflow node, such as name, description, w or h.",
			tools.SchemaFor(&updateNodeArgs{}),
			func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
				var args updateNodeArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err)
				}
				logger.Debug("update_workflow_node", zap.String("node_id", args.ID))
				props, ok := parseProps(args.Props, logger)
				if !ok {
					return invalidProps()
				}
				return success(map[string]any{"id": args.ID, "props": props})
			}),
		tools.New(ToolDeleteWorkflowNode,
			"Delete a workflow node from the canvas.",
			tools.SchemaFor(&deleteNodeArgs{}),
			func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
				var args deleteNodeArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err)
				}
				logger.Debug("delete_workflow_node", zap.String("node_id", args.ID))
				return success(args)
			}),
		tools.New(ToolListAvailableWorkflows,
			"List the workflows available to the team for creating or replacing nodes.",
			tools.SchemaFor(&listWorkflowsArgs{}),
			func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
				var args listWorkflowsArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err)
				}
				return listWorkflows(ctx, workflows, teamID, args)
			}),
	}
}

func listWorkflows(ctx context.Context, lister WorkflowLister, teamID string, args listWorkflowsArgs) (json.RawMessage, error) {
	page, limit := args.Page, args.Limit
	if page < 1 {
		page = defaultWorkflowPage
	}
	if limit < 1 {
		limit = defaultWorkflowLimit
	}
	all, err := lister.ListWorkflows(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	keyword := strings.ToLower(strings.TrimSpace(args.Keyword))
	filtered := all[:0:0]
	for _, wf := range all {
		if keyword == "" || matches(wf, keyword) {
			filtered = append(filtered, wf)
		}
	}

	views := []workflowView{}
	start := (page - 1) * limit
	for i := start; i < len(filtered) && i < start+limit; i++ {
		wf := filtered[i]
		views = append(views, workflowView{
			ID:          wf.ID,
			Name:        displayName(wf),
			Description: wf.Description,
			Version:     wf.Version,
			UpdatedAt:   wf.UpdatedAt.UnixMilli(),
		})
	}
	return json.Marshal(map[string]any{
		"success": true,
		"data":    views,
		"total":   len(filtered),
		"page":    page,
		"limit":   limit,
	})
}

func matches(wf domain.Workflow, keyword string) bool {
	return strings.Contains(strings.ToLower(displayName(wf)), keyword) ||
		strings.Contains(strings.ToLower(wf.Description), keyword) ||
		strings.Contains(strings.ToLower(wf.ID), keyword)
}

func displayName(wf domain.Workflow) string {
	switch {
	case wf.DisplayName != "":
		return wf.DisplayName
	case wf.Name != "":
		return wf.Name
	default:
		return wf.ID
	}
}

// parseProps decodes the props JSON string the model passes.
func parseProps(props string, logger *zap.Logger) (any, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(props), &parsed); err != nil {
		logger.Warn("failed to parse props JSON", zap.Error(err))
		return nil, false
	}
	return parsed, true
}

func success(data any) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"success": true, "data": data})
}

func invalidProps() (json.RawMessage, error) {
	return json.RawMessage(`{"success":false,"error":"Invalid props JSON format"}`), nil
}
