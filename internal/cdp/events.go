package cdp

// defaultEventBuffer sizes a subscriber channel when the caller passes 0.
const defaultEventBuffer = 64

// eventSub is one registered notification subscriber. Subscribers belong to
// the generation that registered them: teardown closes every channel, and a
// consumer observing the close re-subscribes to attach to the next
// generation. Sends and closes are both serialized under Client.mu, so a
// subscriber channel is never written after it closes.
type eventSub struct {
	ch     chan Message
	closed bool
}

// SubscribeEvents registers for inbound notifications on the current
// connection generation. The returned channel closes when that generation is
// torn down; slow consumers lose events rather than stalling the dispatcher.
// Cancel is idempotent. Fails with ErrTransportClosed while disconnected.
func (c *Client) SubscribeEvents(buffer int) (<-chan Message, func(), error) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, nil, ErrTransportClosed
	}

	sub := &eventSub{ch: make(chan Message, buffer)}
	c.subs[sub] = struct{}{}

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		delete(c.subs, sub)
		close(sub.ch)
	}
	return sub.ch, cancel, nil
}

// broadcastEvent fans one notification out to the current generation's
// subscribers. Called with c.mu held.
func (c *Client) broadcastEvent(msg *Message) (dropped int) {
	for sub := range c.subs {
		select {
		case sub.ch <- *msg:
		default:
			dropped++
		}
	}
	return dropped
}

// closeSubsLocked retires every subscriber of the generation being torn
// down. Called with c.mu held.
func (c *Client) closeSubsLocked() {
	for sub := range c.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	c.subs = make(map[*eventSub]struct{})
}
