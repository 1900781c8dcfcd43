package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/irisync/irisync/internal/record"
)

// NewMCPServer exposes the stored record history to assistant integrations
// over MCP. Read-only: record mutation stays on the HTTP surface so the
// idempotency and auth rules live in one place.
func NewMCPServer(store RecordStore) *server.MCPServer {
	s := server.NewMCPServer(
		"irisync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("irisync — eye-disease detection record store: detection history, training set statistics, and validation backlog."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_detections",
			mcp.WithDescription("List stored detection records, optionally filtered by primary disease label."),
			mcp.WithString("disease", mcp.Description("Filter by primary disease (normal, uveitis, conjunctivitis, cataract, eyelid_drooping)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
		),
		mcpQueryDetections(store),
	)

	s.AddTool(
		mcp.NewTool("training_stats",
			mcp.WithDescription("Per-disease training set statistics: validated image counts and current model accuracy."),
		),
		mcpTrainingStats(store),
	)

	s.AddTool(
		mcp.NewTool("pending_validation_count",
			mcp.WithDescription("Count of submitted training images awaiting validation."),
		),
		mcpPendingValidationCount(store),
	)

	return s
}

func mcpQueryDetections(store RecordStore) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var filter record.Disease
		if raw := req.GetString("disease", ""); raw != "" {
			d, err := record.ParseDisease(raw)
			if err != nil {
				return mcpError(fmt.Sprintf("unknown disease label %q", raw)), nil
			}
			filter = d
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		dets, err := store.LoadDetections(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("loading detections: %v", err)), nil
		}

		out := make([]record.DetectionRecord, 0, len(dets))
		for _, d := range dets {
			if filter == "" || d.PrimaryDisease == filter {
				out = append(out, d)
			}
		}
		if len(out) > limit {
			out = out[len(out)-limit:]
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("marshalling detections: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTrainingStats(store RecordStore) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		imgs, err := store.LoadTrainingImages(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("loading training images: %v", err)), nil
		}

		counts := make(map[record.Disease]int)
		for _, img := range imgs {
			if img.Validated {
				counts[img.Disease]++
			}
		}

		stats := make([]record.ModelStats, 0, len(baseAccuracy))
		for _, d := range record.Diseases() {
			stats = append(stats, record.ModelStats{
				Disease:             d,
				TotalTrainingImages: counts[d],
				Accuracy:            modelAccuracy(d, counts[d]),
			})
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("marshalling stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPendingValidationCount(store RecordStore) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		imgs, err := store.LoadTrainingImages(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("loading training images: %v", err)), nil
		}

		pending := 0
		for _, img := range imgs {
			if !img.Validated {
				pending++
			}
		}
		return mcpText(fmt.Sprintf(`{"pending": %d}`, pending)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
