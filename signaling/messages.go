/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import "encoding/json"

// MessageType identifies the type of a relayed signaling message.
type MessageType string

const (
	// MessageRing announces an incoming call attempt before/with the offer.
	MessageRing MessageType = "ring"
	// MessageOffer carries a negotiation offer description.
	MessageOffer MessageType = "offer"
	// MessageAnswer carries a negotiation answer description.
	MessageAnswer MessageType = "answer"
	// MessageICECandidate carries one network-path candidate.
	MessageICECandidate MessageType = "ice-candidate"
	// MessageReject indicates the callee declined.
	MessageReject MessageType = "reject"
	// MessageCallStart is sent once negotiation reaches a connected transport state.
	MessageCallStart MessageType = "call-start"
	// MessageCallEnd is an explicit termination notice.
	MessageCallEnd MessageType = "call-end"

	// messageJoin is the internal room membership message. The relay scopes
	// delivery to conversation rooms; joining is re-done after every reconnect.
	messageJoin MessageType = "join"
)

// Message is one signaling message relayed point-to-point between two users.
// Delivery is not guaranteed and there is no ordering across types.
type Message struct {
	Type           MessageType     `json:"type"`
	ToUserID       string          `json:"toUserId,omitempty"`
	FromUserID     string          `json:"fromUserId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	SDP            string          `json:"sdp,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	DurationSec    int             `json:"durationSec,omitempty"`
	TrackingID     string          `json:"trackingId,omitempty"`
}

// Handler is a callback invoked for every inbound message of a subscribed type.
type Handler func(msg *Message)
