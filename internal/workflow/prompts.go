package workflow

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/gate"
)

func independentPrompt(task string) string {
	var sb strings.Builder
	sb.WriteString("## Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n\n## Instructions\n\n")
	sb.WriteString("Give your own independent judgment now, before any subordinate input. Do not use tools.\n")
	return sb.String()
}

func analysisPrompt(task string) string {
	var sb strings.Builder
	sb.WriteString("## Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n\n## Instructions\n\n")
	sb.WriteString("Produce your own analysis of the task. Your subordinates are working on it in parallel.\n")
	return sb.String()
}

func reworkPrompt(original string, previous gate.Report, defs []gate.Deficiency) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Rework requested\n\nYour report (version %d) was rejected by the quality gate.\n\n", previous.Version)
	sb.WriteString("### Original task\n\n")
	sb.WriteString(original)
	sb.WriteString("\n\n### Your previous report\n\n")
	sb.WriteString(previous.Content)
	sb.WriteString("\n\n### Deficiencies\n\n")
	for _, d := range defs {
		fmt.Fprintf(&sb, "- [%s] %s\n", d.DimensionID, d.Reason)
	}
	sb.WriteString("\nProduce a complete revised report that addresses every deficiency.\n")
	return sb.String()
}

func finalPrompt(task, judgment string, passing []*branch) string {
	var sb strings.Builder
	sb.WriteString("## Task\n\n")
	sb.WriteString(task)
	sb.WriteString("\n\n## Your independent judgment\n\n")
	if judgment == "" {
		sb.WriteString("(none recorded)")
	} else {
		sb.WriteString(judgment)
	}
	sb.WriteString("\n\n## Accepted reports\n\n")
	if len(passing) == 0 {
		sb.WriteString("No subordinate report was accepted.\n\n")
	}
	for _, b := range passing {
		fmt.Fprintf(&sb, "### %s (version %d)\n\n%s\n\n", b.target, b.report.Version, b.report.Content)
	}
	sb.WriteString("Synthesize your judgment and the accepted reports into a single final answer.\n")
	return sb.String()
}
