package matching

import (
	"encoding/json"
	"fmt"
	"log"
)

// Publisher is the messaging surface the matcher needs. Implemented by
// messaging.NATSClient.
type Publisher interface {
	PublishMatchFound(userID string, data []byte) error
}

// MatchResult is the payload published when a match is found or the wait
// times out. Each matched user receives this on their match.found.<user_id>
// subject.
type MatchResult struct {
	Timeout     bool   `json:"timeout,omitempty"`
	RoomID      string `json:"room_id,omitempty"`
	PartnerID   string `json:"partner_id,omitempty"`
	PartnerName string `json:"partner_name,omitempty"`
	Initiator   bool   `json:"initiator,omitempty"`
	Rejoin      bool   `json:"rejoin,omitempty"` // true when redirecting into an existing room
}

// publishPair publishes match results to both users. The user with the
// lexicographically smaller ID drives the offer so both sides agree on roles
// without a round trip.
func publishPair(pub Publisher, roomID, userA, userB, nameA, nameB string) error {
	msgA := MatchResult{
		RoomID:      roomID,
		PartnerID:   userB,
		PartnerName: nameB,
		Initiator:   userA < userB,
	}
	msgB := MatchResult{
		RoomID:      roomID,
		PartnerID:   userA,
		PartnerName: nameA,
		Initiator:   userB < userA,
	}

	dataA, err := json.Marshal(msgA)
	if err != nil {
		return fmt.Errorf("matching: marshal result for %s: %w", userA, err)
	}
	dataB, err := json.Marshal(msgB)
	if err != nil {
		return fmt.Errorf("matching: marshal result for %s: %w", userB, err)
	}

	if err := pub.PublishMatchFound(userA, dataA); err != nil {
		return fmt.Errorf("matching: publish match.found for %s: %w", userA, err)
	}
	if err := pub.PublishMatchFound(userB, dataB); err != nil {
		return fmt.Errorf("matching: publish match.found for %s: %w", userB, err)
	}

	log.Printf("[matcher] match published: room=%s a=%s b=%s", roomID, userA, userB)
	return nil
}

// publishTimeout tells a user that no partner was found within the wait limit.
func publishTimeout(pub Publisher, userID string) error {
	data, err := json.Marshal(MatchResult{Timeout: true})
	if err != nil {
		return fmt.Errorf("matching: marshal timeout: %w", err)
	}
	if err := pub.PublishMatchFound(userID, data); err != nil {
		return fmt.Errorf("matching: publish timeout for %s: %w", userID, err)
	}
	return nil
}
