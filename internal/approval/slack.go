package approval

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier posts approval requests to a channel as Block Kit messages
// with Approve/Reject buttons. Button interactions come back through the
// decision API; the message itself only raises the request.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a notifier for a bot token and channel ID.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return NewSlackNotifierWithClient(slack.New(token), channel)
}

// NewSlackNotifierWithClient wires an existing client. Used by tests.
func NewSlackNotifierWithClient(client *slack.Client, channel string) *SlackNotifier {
	return &SlackNotifier{client: client, channel: channel}
}

func (n *SlackNotifier) Notify(ctx context.Context, req *Request) error {
	fallback := fmt.Sprintf("🚨 Approval needed: %s for %s", req.ActionType, req.Title)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(approvalBlocks(req)...),
	)
	if err != nil {
		return fmt.Errorf("post approval message: %w", err)
	}
	return nil
}

func approvalBlocks(req *Request) []slack.Block {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, "🚨 Remediation Approval Required", true, false))

	details := slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		mrkdwn("*Incident:*\n" + orUnknown(req.Title)),
		mrkdwn("*Severity:*\n" + orUnknown(string(req.Severity))),
		mrkdwn("*Namespace:*\n" + orUnknown(req.Namespace)),
		mrkdwn("*Action:*\n" + string(req.ActionType) + " " + req.Target),
	}, nil)

	impact := slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		mrkdwn(fmt.Sprintf("*Blast Radius:*\n%.1f", req.BlastRadius)),
		mrkdwn(fmt.Sprintf("*Affected Pods:*\n%d", req.AffectedReplicas)),
	}, nil)

	approve := slack.NewButtonBlockElement("approve_action", req.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "✅ Approve", true, false))
	approve.Style = slack.StylePrimary
	reject := slack.NewButtonBlockElement("reject_action", req.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "❌ Reject", true, false))
	reject.Style = slack.StyleDanger
	actions := slack.NewActionBlock("approval_decision", approve, reject)

	blocks := []slack.Block{header, details, impact}
	if req.Reason != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, req.Reason, false, false)))
	}
	return append(blocks, actions)
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
