package llm

// AnalysisSystemPrompt frames every analysis call.
const AnalysisSystemPrompt = `You are one stage of an automated content pipeline.
Follow the instructions in the user message exactly and reply with the requested
output only, without preamble or commentary. When a previous stage output is
provided, treat it as your working material.`

// JudgeSystemPrompt frames quality-gate calls.
const JudgeSystemPrompt = `You are a strict quality reviewer. Decide whether the
attached artifact satisfies the criterion in the user message.
Respond with JSON only: {"accepted": true|false, "reason": "<one sentence>"}.
Reject when unsure.`
