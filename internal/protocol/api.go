// Package protocol defines the API request/response types and the
// live-update message envelope.
package protocol

import (
	"encoding/json"
	"time"
)

// FileEntry describes one regular file directly inside the shared directory.
type FileEntry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// UploadResult is returned for every file stored by POST /api/upload.
// StoredName differs from Name when a collision was resolved.
type UploadResult struct {
	Name       string `json:"name"`
	StoredName string `json:"storedName"`
	Size       int64  `json:"size"`
}

// UploadResponse is returned by POST /api/upload.
type UploadResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Files   []UploadResult `json:"files"`
}

// DeleteResponse is returned by DELETE /api/files/{name}.
type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// InfoResponse is returned by GET /api/info.
type InfoResponse struct {
	SharedFolder     string    `json:"sharedFolder"`
	ConnectedClients int       `json:"connectedClients"`
	ServerTime       time.Time `json:"serverTime"`
	Version          string    `json:"version,omitempty"`
}

// SetFolderRequest is the body for POST /api/set-folder.
type SetFolderRequest struct {
	FolderPath string `json:"folderPath"`
}

// SetFolderResponse is returned by POST /api/set-folder.
type SetFolderResponse struct {
	Success      bool   `json:"success"`
	SharedFolder string `json:"sharedFolder"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Live-update event names.
const (
	EventFilesList    = "files-list"
	EventFilesUpdated = "files-updated"
	EventRequestFiles = "request-files"
)

// Change kinds carried by a files-updated event.
const (
	ChangeAdd    = "add"
	ChangeChange = "change"
	ChangeDelete = "delete"
	ChangeUpload = "upload"
)

// Message is the envelope for every live-update frame in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// FilesUpdated is the payload of a files-updated event. Deletes triggered
// through the API carry Filename instead of a full listing; decoding
// clients see a nil Files in that case.
type FilesUpdated struct {
	Type     string      `json:"type"`
	Files    []FileEntry `json:"files"`
	Filename string      `json:"filename,omitempty"`
}

// FileDeleted is the wire form of an API delete notification.
type FileDeleted struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// NewMessage marshals data into a Message envelope and returns the frame bytes.
func NewMessage(event string, data any) ([]byte, error) {
	msg := Message{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
