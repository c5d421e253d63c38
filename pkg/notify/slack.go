// Package notify implements the Approval Service's Notifier collaborator
// (§4.4): delivering the "an approval gate is open" signal to an external
// channel once CreateRequest has computed shouldNotify. Grounded in
// the teacher's pkg/slack — same goslack.Client wrapper and Block Kit
// message-building shape — generalized from session-lifecycle
// notifications to approval-gate notifications. Messages go to the single
// channel the SlackNotifier is configured with.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/store"
	goslack "github.com/slack-go/slack"
)

const postMessageTimeout = 10 * time.Second

var riskEmoji = map[store.RiskLevel]string{
	store.RiskP0: ":rotating_light:",
	store.RiskP1: ":warning:",
	store.RiskP2: ":large_blue_circle:",
	store.RiskP3: ":white_check_mark:",
}

// SlackNotifier delivers approval-gate notifications to one Slack channel
// per the Approval Service's Notifier interface. Unlike the teacher's
// Service, which threads a reply under a session's existing message, every
// approval notification is a fresh post — there is no prior "session
// started" message to thread under, since the gate is the first thing a
// reviewer sees for that job.
type SlackNotifier struct {
	api       *goslack.Client
	channelID string
	dashboardURL string
	logger    *slog.Logger
}

// NewSlackNotifier builds a SlackNotifier posting to channelID with token,
// linking back to dashboardURL for the "View request" button.
func NewSlackNotifier(token, channelID, dashboardURL string) *SlackNotifier {
	return &SlackNotifier{
		api:          goslack.New(token),
		channelID:    channelID,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-notifier"),
	}
}

// Notify implements approval.Notifier. channels is currently informational
// only — every SlackNotifier instance owns exactly one channel, configured
// at construction; a deployment wanting per-request routing would register
// one Notifier per channel and fan out at the call site.
func (n *SlackNotifier) Notify(ctx context.Context, req *store.ApprovalRequest, channels []string) error {
	ctx, cancel := context.WithTimeout(ctx, postMessageTimeout)
	defer cancel()

	blocks := buildApprovalMessage(req, n.dashboardURL)
	_, _, err := n.api.PostMessageContext(ctx, n.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

func approvalURL(requestID string, dashboardURL string) string {
	return fmt.Sprintf("%s/approvals/%s", dashboardURL, requestID)
}

// buildApprovalMessage renders an ApprovalRequest as Block Kit blocks: a
// risk-tagged summary section plus an actions block with Approve/Reject
// buttons whose value is the Telegram-style callback payload of §6
// (`apr:<a|r>:<request id>`) so the same callback parser a chat-ops
// integration uses for Telegram also services Slack interactivity
// payloads.
func buildApprovalMessage(req *store.ApprovalRequest, dashboardURL string) []goslack.Block {
	emoji := riskEmoji[req.RiskLevel]
	if emoji == "" {
		emoji = ":grey_question:"
	}

	text := fmt.Sprintf("%s *Approval requested* — %s\n%s", emoji, req.ActionType, req.ActionSummary)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}

	approveBtn := goslack.NewButtonBlockElement(
		"approve",
		fmt.Sprintf("apr:a:%s", req.ID),
		goslack.NewTextBlockObject(goslack.PlainTextType, "Approve", false, false),
	)
	approveBtn.Style = goslack.StylePrimary

	rejectBtn := goslack.NewButtonBlockElement(
		"reject",
		fmt.Sprintf("apr:r:%s", req.ID),
		goslack.NewTextBlockObject(goslack.PlainTextType, "Reject", false, false),
	)
	rejectBtn.Style = goslack.StyleDanger

	detailsBtn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Details", false, false))
	detailsBtn.URL = approvalURL(req.ID.String(), dashboardURL)

	blocks = append(blocks, goslack.NewActionBlock("", approveBtn, rejectBtn, detailsBtn))
	return blocks
}
