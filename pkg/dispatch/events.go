package dispatch

import "github.com/wiremesh/meshcore/pkg/codec"

// EventKind enumerates the outbound event stream's event shapes.
type EventKind int

const (
	EventPeerListUpdated EventKind = iota
	EventMessageReceived
	EventFileReceived
	EventApplicationMessageReceived
	EventApplicationResponseReceived
	EventConnectionStateChanged
	EventReadReceipt
	EventDeliveryAck
	EventError
)

// Event is one notification delivered on the dispatcher's outbound
// event channel, consumed by the host application bridge.
type Event struct {
	Kind EventKind

	// MessageReceived / FileReceived / ApplicationMessageReceived
	ID             string
	Content        string
	SenderPeerID   string
	SenderNickname string
	IsPrivate      bool
	Timestamp      int64

	// FileReceived
	FileName    string
	FileSize    uint32
	MimeType    string
	TotalChunks uint32
	Data        string // base64

	// ApplicationMessageReceived / ApplicationResponseReceived
	AppFields []codec.TLV

	// ConnectionStateChanged
	PeerID      string
	IsConnected bool

	// Error
	Code    string
	Message string
}
