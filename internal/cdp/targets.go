package cdp

import "encoding/json"

// TargetDescriptor tracks one out-of-process sub-target (page, iframe)
// currently attached via Target.setAutoAttach. The map of descriptors is
// purely observational; command routing is done by sessionId alone.
type TargetDescriptor struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Attached  bool   `json:"attached"`
}

// attachedToTargetParams is the payload of Target.attachedToTarget.
type attachedToTargetParams struct {
	SessionID  string `json:"sessionId"`
	TargetInfo struct {
		TargetID string `json:"targetId"`
		Type     string `json:"type"`
		Title    string `json:"title"`
		URL      string `json:"url"`
		Attached bool   `json:"attached"`
	} `json:"targetInfo"`
}

// detachedFromTargetParams is the payload of Target.detachedFromTarget.
type detachedFromTargetParams struct {
	SessionID string `json:"sessionId"`
}

func (c *Client) handleAttached(raw json.RawMessage) {
	var params attachedToTargetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.log.Warn("malformed attachedToTarget notification", "error", err)
		return
	}

	desc := TargetDescriptor{
		SessionID: params.SessionID,
		TargetID:  params.TargetInfo.TargetID,
		Type:      params.TargetInfo.Type,
		Title:     params.TargetInfo.Title,
		URL:       params.TargetInfo.URL,
		Attached:  true,
	}

	c.mu.Lock()
	c.targets[params.SessionID] = desc
	c.mu.Unlock()

	c.log.Debug("target attached",
		"session", truncateSession(params.SessionID),
		"type", desc.Type,
		"url", desc.URL)
}

func (c *Client) handleDetached(raw json.RawMessage) {
	var params detachedFromTargetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.log.Warn("malformed detachedFromTarget notification", "error", err)
		return
	}

	c.mu.Lock()
	delete(c.targets, params.SessionID)
	c.mu.Unlock()

	c.log.Debug("target detached", "session", truncateSession(params.SessionID))
}

// truncateSession shortens a session identifier for log lines.
func truncateSession(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
