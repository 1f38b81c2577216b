package llm

import (
	"strconv"
	"strings"
)

// PromptInputs are the five pieces every LLM-based adapter assembles into
// one prompt: a fixed system prompt, a role-specific prompt (generator,
// verifier, critic), the contract source under analysis, a RAG context
// block, and the closing task instruction.
type PromptInputs struct {
	SystemPrompt   string
	RolePrompt     string
	ContractSource string
	RAGContext     string
	Task           string
}

// DefaultTokenBudget is the line budget Assemble truncates contract source
// to when the caller doesn't specify one; it is expressed in lines rather
// than tokens since the corpus offers no tokenizer dependency and a
// line-aware strategy is what the contract boundary preservation rule
// actually needs.
const DefaultTokenBudget = 400

// Assemble builds the final prompt text, truncating ContractSource to
// budget lines using a strategy that prefers to cut at a function
// boundary rather than mid-function.
func Assemble(in PromptInputs, budgetLines int) string {
	if budgetLines <= 0 {
		budgetLines = DefaultTokenBudget
	}

	var b strings.Builder
	b.WriteString(in.SystemPrompt)
	b.WriteString("\n\n")
	if in.RolePrompt != "" {
		b.WriteString(in.RolePrompt)
		b.WriteString("\n\n")
	}
	if in.RAGContext != "" {
		b.WriteString("Relevant vulnerability context:\n")
		b.WriteString(in.RAGContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Contract source:\n")
	b.WriteString(truncatePreservingFunctions(in.ContractSource, budgetLines))
	b.WriteString("\n\n")
	b.WriteString(in.Task)
	return b.String()
}

// truncatePreservingFunctions keeps the first budgetLines lines of source,
// then extends the cut forward, by at most 40 lines, to the next function
// boundary rather than severing mid-function, unless the source was already
// within budget. Lines are compared with surrounding whitespace trimmed: a
// "}" or blank line is kept as the last line, and a line starting
// "function " is cut before. When no boundary appears within those 40
// lines, the source is cut at budgetLines.
func truncatePreservingFunctions(source string, budgetLines int) string {
	lines := strings.Split(source, "\n")
	if len(lines) <= budgetLines {
		return source
	}

	cut := budgetLines
	const lookahead = 40
	for i := budgetLines; i < len(lines) && i < budgetLines+lookahead; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "}" || trimmed == "" {
			cut = i + 1
			break
		}
		if strings.HasPrefix(trimmed, "function ") {
			cut = i
			break
		}
	}

	truncated := strings.Join(lines[:cut], "\n")
	return truncated + "\n// ... truncated, " + strconv.Itoa(len(lines)-cut) + " lines omitted ..."
}
