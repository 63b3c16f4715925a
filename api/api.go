// Package api holds the contracts between a session and the server, the
// wire types they exchange and the client error taxonomy.
package api

import "context"

// RequestExecutor executes commands against a database on the server.
type RequestExecutor interface {
	// GetDocuments fetches documents by id. The result has one slot per
	// requested id, nil when the document does not exist. Includes name
	// paths into the fetched documents whose values are ids of documents
	// to return alongside them.
	GetDocuments(ctx context.Context, ids, includes []string) (*GetDocumentsResult, error)

	// Batch applies put and delete commands.
	Batch(ctx context.Context, cmd *BatchCommand) (*BatchResult, error)

	// GetTCPInfo returns the server's connection info, including its
	// certificate.
	GetTCPInfo(ctx context.Context) (*TCPInfo, error)
}

// CompareExchangeGetter fetches raw compare exchange responses.
type CompareExchangeGetter interface {
	GetCompareExchangeValues(ctx context.Context, keys []string) ([]byte, error)
}

// GetDocumentsResult is the response to a document load.
type GetDocumentsResult struct {
	Results []map[string]any `json:"Results"`
	// Includes maps the ids referenced by include paths to their
	// documents, nil for ids that do not exist.
	Includes map[string]map[string]any `json:"Includes,omitempty"`
}

// TCPInfo describes how to reach the server over its raw connection.
type TCPInfo struct {
	URL string `json:"Url"`
	// Certificate is the base64 DER encoding of the server certificate.
	Certificate string `json:"Certificate,omitempty"`
}

// Metadata keys
const (
	MetadataKey          = "@metadata"
	MetadataID           = "@id"
	MetadataCollection   = "@collection"
	MetadataChangeVector = "@change-vector"
	MetadataLastModified = "@last-modified"
	MetadataExpires      = "@expires"
	EmptyCollection      = "@empty"
)
