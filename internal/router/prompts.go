package router

import (
	"fmt"
	"strings"

	"github.com/agent-afk/afkd/internal/chatapi"
)

// formatPermissionPrompt renders §6.4's permission template.
func formatPermissionPrompt(slug, token, contextLine, toolName, formattedCommand string, bulkAllowed bool) string {
	replyLine := "Reply: yes / no"
	if bulkAllowed {
		replyLine += " / all"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] #%s\n\n", slug, token)
	if contextLine != "" {
		fmt.Fprintf(&b, "%s\n\n", chatapi.EscapeMarkdown(contextLine))
	}
	fmt.Fprintf(&b, "*Permission:* %s\n%s\n\n", toolName, chatapi.EscapeMarkdown(formattedCommand))
	b.WriteString(replyLine)
	return b.String()
}

// formatStopPrompt renders §6.4's stop template.
func formatStopPrompt(slug, token, contextLine string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] #%s\n\n", slug, token)
	if contextLine != "" {
		fmt.Fprintf(&b, "%s\n\n", chatapi.EscapeMarkdown(contextLine))
	}
	b.WriteString("Task complete. Reply with follow-up instructions or ignore to stop.")
	return b.String()
}
