package models

// PeerInfo is the public view of a room member
type PeerInfo struct {
	ID       PeerID `json:"id"`
	Username string `json:"username"`
}

// RoomSummary describes one non-empty room
type RoomSummary struct {
	ID        string `json:"id"`
	PeerCount int    `json:"peerCount"`
}

// RoomMembersResponse is returned by the room lookup endpoint
type RoomMembersResponse struct {
	RoomID string     `json:"roomId"`
	Peers  []PeerInfo `json:"peers"`
}
