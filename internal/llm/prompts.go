package llm

// systemPrompt frames every chat completion. Replies go back to customers in
// voice messages, so the model is told to keep them short and speakable.
const systemPrompt = `你是一位热情、专业的客服助手。` +
	`请用简洁、口语化的中文回答用户的问题，控制在三句话以内，` +
	`不要使用表情符号、列表或任何难以朗读的格式。`

// transcribeHint nudges the transcription model toward Mandarin customer
// service vocabulary.
const transcribeHint = "以下是一段普通话客服咨询语音。"

// fallbackReply is returned whenever the model cannot produce an answer. The
// customer always gets a reply, even when the upstream call fails.
const fallbackReply = "抱歉，我暂时无法回答您的问题，请稍后再试或换个方式提问。"
