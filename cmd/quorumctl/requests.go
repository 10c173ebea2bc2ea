package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Submit and manage change requests",
}

var (
	submitType    string
	submitEntity  string
	submitReason  string
	submitPayload string
)

var requestsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a change request for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var payload map[string]any
		if submitPayload != "" {
			if err := json.Unmarshal([]byte(submitPayload), &payload); err != nil {
				return fmt.Errorf("invalid --payload JSON: %w", err)
			}
		}

		body := map[string]any{
			"changeType": submitType,
			"entityId":   submitEntity,
			"reason":     submitReason,
			"payload":    payload,
		}

		var result struct {
			RequestID         string   `json:"requestId"`
			Status            string   `json:"status"`
			RequiredApprovers []string `json:"requiredApprovers"`
			Deadline          string   `json:"deadline"`
		}
		if err := client.postJSON(quorumAPIBase+"/requests", body, &result); err != nil {
			return fmt.Errorf("failed to submit: %w", err)
		}

		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		printKV([][2]string{
			{"Request ID", result.RequestID},
			{"Status", result.Status},
			{"Approvers", strings.Join(result.RequiredApprovers, ", ")},
			{"Deadline", result.Deadline},
		})
		return nil
	},
}

var (
	listStatus    string
	listType      string
	listEntity    string
	listSubmitter string
	listPageSize  int
	listPageToken string
)

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List change requests (pending by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		params := make([]string, 0)
		if listStatus != "" {
			params = append(params, "status="+listStatus)
		}
		if listType != "" {
			params = append(params, "changeType="+listType)
		}
		if listEntity != "" {
			params = append(params, "entityId="+listEntity)
		}
		if listSubmitter != "" {
			params = append(params, "submitter="+listSubmitter)
		}
		if listPageSize > 0 {
			params = append(params, fmt.Sprintf("pageSize=%d", listPageSize))
		}
		if listPageToken != "" {
			// Tokens are timestamps and may carry a zone offset.
			params = append(params, "pageToken="+url.QueryEscape(listPageToken))
		}
		path := quorumAPIBase + "/requests"
		if len(params) > 0 {
			path += "?" + strings.Join(params, "&")
		}

		var result struct {
			Requests []struct {
				ID           string `json:"id"`
				ChangeType   string `json:"changeType"`
				EntityID     string `json:"entityId"`
				ApprovalTier string `json:"approvalTier"`
				Status       string `json:"status"`
				Submitter    string `json:"submitter"`
				Deadline     string `json:"deadline"`
			} `json:"requests"`
			NextPageToken string `json:"nextPageToken"`
			TotalSize     int    `json:"totalSize"`
		}
		if err := client.getJSON(path, &result); err != nil {
			return fmt.Errorf("failed to list requests: %w", err)
		}

		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		headers := []string{"ID", "Type", "Entity", "Tier", "Status", "Submitter", "Deadline"}
		rows := make([][]string, 0, len(result.Requests))
		for _, r := range result.Requests {
			rows = append(rows, []string{
				truncate(r.ID, 12),
				r.ChangeType,
				r.EntityID,
				r.ApprovalTier,
				r.Status,
				r.Submitter,
				r.Deadline,
			})
		}
		printTable(headers, rows)
		fmt.Printf("Total: %d\n", result.TotalSize)
		if result.NextPageToken != "" {
			fmt.Printf("Next page: --page-token %s\n", result.NextPageToken)
		}
		return nil
	},
}

var requestsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a request with its votes and tally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result struct {
			Request struct {
				ID                string   `json:"id"`
				ChangeType        string   `json:"changeType"`
				EntityID          string   `json:"entityId"`
				ApprovalTier      string   `json:"approvalTier"`
				RequiredApprovers []string `json:"requiredApprovers"`
				Status            string   `json:"status"`
				Submitter         string   `json:"submitter"`
				Reason            string   `json:"reason"`
				Deadline          string   `json:"deadline"`
			} `json:"request"`
			Votes []struct {
				VoterID   string `json:"voterId"`
				Decision  string `json:"decision"`
				Reason    string `json:"reason"`
				CreatedAt string `json:"createdAt"`
			} `json:"votes"`
			Tally struct {
				Approvals  int `json:"approvals"`
				Rejections int `json:"rejections"`
				Required   int `json:"required"`
				BoardSize  int `json:"boardSize"`
			} `json:"tally"`
		}
		if err := client.getJSON(quorumAPIBase+"/requests/"+args[0], &result); err != nil {
			return fmt.Errorf("failed to get request: %w", err)
		}

		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		printKV([][2]string{
			{"Request ID", result.Request.ID},
			{"Type", result.Request.ChangeType},
			{"Entity", result.Request.EntityID},
			{"Tier", result.Request.ApprovalTier},
			{"Status", result.Request.Status},
			{"Submitter", result.Request.Submitter},
			{"Reason", dash(result.Request.Reason)},
			{"Board", strings.Join(result.Request.RequiredApprovers, ", ")},
			{"Tally", fmt.Sprintf("%d approve / %d reject (need %d of %d)",
				result.Tally.Approvals, result.Tally.Rejections, result.Tally.Required, result.Tally.BoardSize)},
			{"Deadline", result.Request.Deadline},
		})

		if len(result.Votes) > 0 {
			fmt.Println()
			headers := []string{"Voter", "Decision", "Reason", "Cast At"}
			rows := make([][]string, 0, len(result.Votes))
			for _, v := range result.Votes {
				rows = append(rows, []string{v.VoterID, v.Decision, truncate(dash(v.Reason), 40), v.CreatedAt})
			}
			printTable(headers, rows)
		}
		return nil
	},
}

var approveReason string

var requestsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Cast an approval vote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return castVote(args[0], "APPROVED", approveReason)
	},
}

var rejectReason string

var requestsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Cast a rejection vote (requires --reason)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return castVote(args[0], "REJECTED", rejectReason)
	},
}

func castVote(id, decision, reason string) error {
	client := newClient()

	body := map[string]string{
		"decision": decision,
		"reason":   reason,
	}

	var result struct {
		RequestID        string `json:"requestId"`
		Status           string `json:"status"`
		ConsensusReached bool   `json:"consensusReached"`
		VotesReceived    int    `json:"votesReceived"`
		VotesRequired    int    `json:"votesRequired"`
	}
	if err := client.postJSON(quorumAPIBase+"/requests/"+id+"/votes", body, &result); err != nil {
		return fmt.Errorf("failed to vote: %w", err)
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(result)
	}

	printKV([][2]string{
		{"Request ID", result.RequestID},
		{"Status", result.Status},
		{"Consensus", fmt.Sprintf("%t", result.ConsensusReached)},
		{"Votes", fmt.Sprintf("%d of %d required", result.VotesReceived, result.VotesRequired)},
	})
	return nil
}

var requestsExecuteCmd = &cobra.Command{
	Use:   "execute <id>",
	Short: "Mark an approved request as applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result map[string]any
		if err := client.postJSON(quorumAPIBase+"/requests/"+args[0]+"/execute", map[string]any{}, &result); err != nil {
			return fmt.Errorf("failed to execute: %w", err)
		}

		return printOutput(result)
	},
}

var requestCancelReason string

var requestsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Withdraw a pending request (submitter only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		body := map[string]string{"reason": requestCancelReason}

		var result map[string]any
		if err := client.postJSON(quorumAPIBase+"/requests/"+args[0]+"/cancel", body, &result); err != nil {
			return fmt.Errorf("failed to cancel: %w", err)
		}

		return printOutput(result)
	},
}

var requestsTimelineCmd = &cobra.Command{
	Use:   "timeline <id>",
	Short: "Show the event history for a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var result struct {
			Events []struct {
				EventType string `json:"eventType"`
				Actor     string `json:"actor"`
				CreatedAt string `json:"createdAt"`
			} `json:"events"`
			TotalSize int `json:"totalSize"`
		}
		if err := client.getJSON(quorumAPIBase+"/requests/"+args[0]+"/timeline", &result); err != nil {
			return fmt.Errorf("failed to get timeline: %w", err)
		}

		if outputFmt == "json" || outputFmt == "yaml" {
			return printOutput(result)
		}

		headers := []string{"Event", "Actor", "Time"}
		rows := make([][]string, 0, len(result.Events))
		for _, e := range result.Events {
			rows = append(rows, []string{e.EventType, e.Actor, e.CreatedAt})
		}
		printTable(headers, rows)
		fmt.Printf("Total: %d\n", result.TotalSize)
		return nil
	},
}

func init() {
	requestsSubmitCmd.Flags().StringVar(&submitType, "type", "", "Change type, e.g. token.create (required)")
	requestsSubmitCmd.Flags().StringVar(&submitEntity, "entity", "", "Target entity ID (required)")
	requestsSubmitCmd.Flags().StringVar(&submitReason, "reason", "", "Why the change is needed")
	requestsSubmitCmd.Flags().StringVar(&submitPayload, "payload", "", "Change payload as a JSON object")
	_ = requestsSubmitCmd.MarkFlagRequired("type")
	_ = requestsSubmitCmd.MarkFlagRequired("entity")

	requestsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (default PENDING)")
	requestsListCmd.Flags().StringVar(&listType, "type", "", "Filter by change type")
	requestsListCmd.Flags().StringVar(&listEntity, "entity", "", "Filter by entity ID")
	requestsListCmd.Flags().StringVar(&listSubmitter, "submitter", "", "Filter by submitter")
	requestsListCmd.Flags().IntVar(&listPageSize, "page-size", 20, "Page size")
	requestsListCmd.Flags().StringVar(&listPageToken, "page-token", "", "Continuation token from a previous page")

	requestsApproveCmd.Flags().StringVar(&approveReason, "reason", "", "Optional vote comment")
	requestsRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Rejection reason (required by the server)")
	requestsCancelCmd.Flags().StringVar(&requestCancelReason, "reason", "", "Cancellation reason")

	requestsCmd.AddCommand(requestsSubmitCmd)
	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsGetCmd)
	requestsCmd.AddCommand(requestsApproveCmd)
	requestsCmd.AddCommand(requestsRejectCmd)
	requestsCmd.AddCommand(requestsExecuteCmd)
	requestsCmd.AddCommand(requestsCancelCmd)
	requestsCmd.AddCommand(requestsTimelineCmd)
}
