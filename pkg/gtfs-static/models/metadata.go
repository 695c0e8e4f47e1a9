package models

import "time"

// ArchiveMetadata describes the remote static archive as reported by the
// server's validators. Either validator may be missing.
type ArchiveMetadata struct {
	URL           string
	ETag          string
	LastModified  *time.Time
	ContentLength int64
}

// Revision is a short label for logs and download file names.
func (m ArchiveMetadata) Revision() string {
	switch {
	case m.LastModified != nil:
		return m.LastModified.UTC().Format("20060102_150405")
	case m.ETag != "":
		return "etag"
	default:
		return "latest"
	}
}
