package gateway

// Params schemas, one per method shape. Methods taking no params accept
// an empty object; unknown extra properties are rejected everywhere so
// client typos fail loudly instead of silently defaulting.
const (
	schemaEmpty = `{
		"type": "object",
		"additionalProperties": false
	}`

	schemaSessionOnly = `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaEventOnly = `{
		"type": "object",
		"required": ["eventId"],
		"properties": {
			"eventId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaNameOnly = `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaPathOnly = `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaContainerOnly = `{
		"type": "object",
		"required": ["containerId"],
		"properties": {
			"containerId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaSessionFork = `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"atEventId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaSessionCreate = `{
		"type": "object",
		"required": ["workingDirectory", "model"],
		"properties": {
			"workingDirectory": {"type": "string", "minLength": 1},
			"model": {"type": "string", "minLength": 1},
			"title": {"type": "string"}
		},
		"additionalProperties": false
	}`

	schemaSessionList = `{
		"type": "object",
		"properties": {
			"limit": {"type": "integer", "minimum": 0},
			"offset": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`

	schemaSwitchModel = `{
		"type": "object",
		"required": ["sessionId", "model"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"model": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaAgentPrompt = `{
		"type": "object",
		"required": ["sessionId", "prompt"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1},
			"reasoningEffort": {"type": "string", "enum": ["low", "medium", "high"]}
		},
		"additionalProperties": false
	}`

	schemaEventsGetSince = `{
		"type": "object",
		"required": ["sessionId", "afterEventId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"afterEventId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaEventsAppend = `{
		"type": "object",
		"required": ["sessionId", "eventType"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"eventType": {"type": "string", "minLength": 1},
			"payload": {"type": "object"}
		},
		"additionalProperties": false
	}`

	schemaEventsSubscribe = `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"afterEventId": {"type": "string"}
		},
		"additionalProperties": false
	}`

	schemaEventsUnsubscribe = `{
		"type": "object",
		"required": ["subscriptionId"],
		"properties": {
			"subscriptionId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaCanAcceptTurn = `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"estimatedResponseTokens": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`

	schemaContextClear = `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		},
		"additionalProperties": false
	}`

	schemaSearchContent = `{
		"type": "object",
		"required": ["sessionId", "query"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"query": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`

	schemaSearchEvents = `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"types": {"type": "array", "items": {"type": "string"}},
			"since": {"type": "string", "format": "date-time"},
			"until": {"type": "string", "format": "date-time"},
			"limit": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`

	schemaMessageDelete = `{
		"type": "object",
		"required": ["sessionId", "targetEventId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"targetEventId": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		},
		"additionalProperties": false
	}`

	schemaWorktreeCommit = `{
		"type": "object",
		"required": ["sessionId", "message"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"message": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaMemorySearch = `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`

	schemaMemoryAddEntry = `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"sessionId": {"type": "string"},
			"kind": {"type": "string", "enum": ["note", "handoff"]},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`

	schemaTodoRestore = `{
		"type": "object",
		"required": ["sessionId", "backlogId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"backlogId": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`

	schemaGitClone = `{
		"type": "object",
		"required": ["url", "path"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"path": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`

	schemaTranscribeAudio = `{
		"type": "object",
		"required": ["audio", "mimeType"],
		"properties": {
			"audio": {"type": "string", "minLength": 1},
			"mimeType": {"type": "string", "minLength": 1},
			"language": {"type": "string"}
		},
		"additionalProperties": false
	}`

	schemaToolResult = `{
		"type": "object",
		"required": ["toolUseId", "content"],
		"properties": {
			"toolUseId": {"type": "string", "minLength": 1},
			"content": {"type": "string"},
			"isError": {"type": "boolean"}
		},
		"additionalProperties": false
	}`

	schemaClientIdentify = `{
		"type": "object",
		"required": ["name", "version"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"version": {"type": "string", "minLength": 1},
			"capabilities": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`
)
