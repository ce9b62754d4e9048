package mcptools

// ListTargetsInput is the input for the list_targets MCP tool.
type ListTargetsInput struct {
	Type string `json:"type,omitempty" jsonschema:"Only return targets of this type, e.g. page or iframe"`
}

// TargetEntry is a single debuggable target returned by list_targets.
type TargetEntry struct {
	TargetID string `json:"target_id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// ListTargetsOutput is the output for the list_targets MCP tool.
type ListTargetsOutput struct {
	Targets []TargetEntry `json:"targets"`
	Count   int           `json:"count"`
}

// SendCommandInput is the input for the send_command MCP tool.
type SendCommandInput struct {
	Method    string         `json:"method" jsonschema:"CDP method name, e.g. Page.navigate"`
	Params    map[string]any `json:"params,omitempty" jsonschema:"Command parameters as an object"`
	SessionID string         `json:"session_id,omitempty" jsonschema:"Attached session to route the command to. Empty for browser-level commands"`
}

// SendCommandOutput is the output for the send_command MCP tool.
type SendCommandOutput struct {
	ResultJSON string `json:"result_json" jsonschema:"The raw CDP result object as a JSON string"`
}

// GatewayStatusInput is the input for the gateway_status MCP tool.
type GatewayStatusInput struct{}

// GatewayStatusOutput is the output for the gateway_status MCP tool.
type GatewayStatusOutput struct {
	Role       string `json:"role" jsonschema:"primary when this process owns the browser connection, secondary when proxying"`
	PID        int    `json:"pid" jsonschema:"Pid of the process owning the browser connection"`
	Port       int    `json:"port" jsonschema:"Gateway loopback port, or browser port when primary"`
	Generation int64  `json:"generation" jsonschema:"Connection generation, bumps on every reconnect"`
	Targets    int    `json:"targets" jsonschema:"Number of attached sub-target sessions"`
	Ready      bool   `json:"ready" jsonschema:"Whether the browser connection is up"`
}
