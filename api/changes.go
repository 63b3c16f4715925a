package api

import (
	"encoding/json"
	"time"
)

// Change message types
const (
	TypeDocumentChange        = "DocumentChange"
	TypeIndexChange           = "IndexChange"
	TypeCounterChange         = "CounterChange"
	TypeTimeSeriesChange      = "TimeSeriesChange"
	TypeOperationStatusChange = "OperationStatusChange"
	TypeTopologyChange        = "TopologyChange"
	TypeConfirm               = "Confirm"
	TypeError                 = "Error"
)

// ChangeMessage is a message pushed by the server over a changes
// connection.
type ChangeMessage struct {
	Type      string          `json:"Type"`
	Value     json.RawMessage `json:"Value,omitempty"`
	CommandID *int64          `json:"CommandId,omitempty"`
	Exception string          `json:"Exception,omitempty"`
}

// ChangeCommand is a command sent by the client over a changes connection.
type ChangeCommand struct {
	CommandID int64    `json:"CommandId"`
	Command   string   `json:"Command"`
	Param     any      `json:"Param"`
	Params    []string `json:"Params,omitempty"`
}

// DocumentChangeType values
const (
	DocumentPut      = "Put"
	DocumentDelete   = "Delete"
	DocumentConflict = "Conflict"
)

// DocumentChange reports a change to a document.
type DocumentChange struct {
	Type           string `json:"Type"`
	ID             string `json:"Id"`
	CollectionName string `json:"CollectionName,omitempty"`
	ChangeVector   string `json:"ChangeVector,omitempty"`
}

// IndexChange reports a change to an index.
type IndexChange struct {
	Type string `json:"Type"`
	Name string `json:"Name"`
	Etag int64  `json:"Etag,omitempty"`
}

// CounterChange reports a change to a document counter.
type CounterChange struct {
	Type           string `json:"Type"`
	Name           string `json:"Name"`
	Value          int64  `json:"Value"`
	DocumentID     string `json:"DocumentId"`
	CollectionName string `json:"CollectionName,omitempty"`
	ChangeVector   string `json:"ChangeVector,omitempty"`
}

// TimeSeriesChange reports a change to a document time series.
type TimeSeriesChange struct {
	Type           string    `json:"Type"`
	Name           string    `json:"Name"`
	From           time.Time `json:"From"`
	To             time.Time `json:"To"`
	DocumentID     string    `json:"DocumentId"`
	CollectionName string    `json:"CollectionName,omitempty"`
	ChangeVector   string    `json:"ChangeVector,omitempty"`
}

// OperationStatusChange reports progress of a server operation.
type OperationStatusChange struct {
	OperationID int64          `json:"OperationId"`
	State       map[string]any `json:"State,omitempty"`
}

// TopologyChange reports a change of the database topology.
type TopologyChange struct {
	URL      string `json:"Url"`
	Database string `json:"Database"`
}
