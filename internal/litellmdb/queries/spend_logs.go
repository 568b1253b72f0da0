package queries

import (
	"fmt"
	"strings"
)

// SQL queries for the LiteLLM_SpendLogs table.

// spendLogParamCount is the number of positional parameters per row,
// matching spendlog.GetSpendLogParams.
const spendLogParamCount = 25

// BuildBatchInsertQuery builds a multi-row INSERT for a coalesced batch of
// count spend log entries. Conflicting request_ids (already written by a
// retried batch) are ignored rather than erroring the whole batch.
func BuildBatchInsertQuery(count int) string {
	if count <= 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(500 + count*100) // Pre-allocate

	b.WriteString(`
		INSERT INTO "LiteLLM_SpendLogs" (
			request_id, call_type, api_key, spend, total_tokens,
			prompt_tokens, completion_tokens, "startTime", "endTime",
			model, model_id, model_group, custom_llm_provider, api_base,
			"user", "metadata", team_id, organization_id, end_user,
			requester_ip_address, status, session_id,
			agent_id, mcp_namespaced_tool_name, request_tags,
			messages, response
		) VALUES `)

	paramIdx := 1
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < spendLogParamCount; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", paramIdx))
			paramIdx++
		}
		b.WriteString(", NULL, NULL)") // messages, response = NULL
	}

	b.WriteString(" ON CONFLICT (request_id) DO NOTHING")
	return b.String()
}
