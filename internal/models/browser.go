// Package models contains data structures shared by the store, the folder
// operations and the API layer.
package models

import "time"

// FolderItem is a virtual folder derived from a common key prefix. It is never
// stored; it exists while at least one key starts with Prefix.
type FolderItem struct {
	Prefix      string `json:"prefix"`
	DisplayName string `json:"displayName"`
}

// FileItem is one stored object as seen from a listing.
type FileItem struct {
	Key          string            `json:"key"`
	DisplayName  string            `json:"displayName"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"lastModified"`
	CreatedOn    time.Time         `json:"createdOn,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	ContentHash  string            `json:"contentHash,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ListingPage holds the immediate children of a prefix.
type ListingPage struct {
	Folders           []FolderItem `json:"folders"`
	Files             []FileItem   `json:"files"`
	ContinuationToken string       `json:"continuationToken,omitempty"`
}

// FolderStats summarises everything below a prefix.
type FolderStats struct {
	Prefix        string `json:"prefix"`
	Files         int    `json:"files"`
	Bytes         int64  `json:"bytes"`
	FormattedSize string `json:"formattedSize"`
}

// Breadcrumb for navigation
type Breadcrumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}
