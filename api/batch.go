package api

// CommandType identifies a batch command.
type CommandType string

const (
	CommandPut    CommandType = "PUT"
	CommandDelete CommandType = "DELETE"
)

// CommandData is one command of a batch.
type CommandData struct {
	ID           string         `json:"Id"`
	ChangeVector *string        `json:"ChangeVector"`
	Type         CommandType    `json:"Type"`
	Document     map[string]any `json:"Document,omitempty"`
}

// PutCommand creates a put of doc under id. An empty change vector
// disables the concurrency check.
func PutCommand(id string, changeVector string, doc map[string]any) CommandData {
	return CommandData{ID: id, ChangeVector: optional(changeVector), Type: CommandPut, Document: doc}
}

// DeleteCommand creates a delete of id.
func DeleteCommand(id string, changeVector string) CommandData {
	return CommandData{ID: id, ChangeVector: optional(changeVector), Type: CommandDelete}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// BatchCommand is the body of a batch request.
type BatchCommand struct {
	Commands []CommandData `json:"Commands"`
}

// BatchResult is the response to a batch.
type BatchResult struct {
	Results          []DocumentResult `json:"Results"`
	TransactionIndex *int64           `json:"TransactionIndex,omitempty"`
}

// DocumentResult is the outcome of one command of a batch.
//
// Error is set only by servers which apply batches partially; it reports
// why this command was not applied.
type DocumentResult struct {
	Type         CommandType       `json:"Type"`
	ID           string            `json:"@id"`
	Collection   string            `json:"@collection,omitempty"`
	ChangeVector string            `json:"@change-vector,omitempty"`
	LastModified string            `json:"@last-modified,omitempty"`
	Deleted      bool              `json:"Deleted,omitempty"`
	Error        *ConcurrencyError `json:"Error,omitempty"`
}
