// Package pipeline wires the media workflow onto the stream transport: the
// well-known streams, their field contracts, the publisher that writes them,
// and the handlers that consume them.
package pipeline

// Well-known streams.
const (
	// StreamGenerate carries generation requests from the request layer to the
	// generation dispatcher.
	StreamGenerate = "media:generate"

	// StreamStatus carries status updates from workers and the reconciler to
	// the status consumer.
	StreamStatus = "media:status"

	// StreamThumbnail carries thumbnail requests emitted on completion.
	StreamThumbnail = "media:thumbnail"
)

// Default consumer groups, one per stream.
const (
	GroupGenerate  = "generate-consumers"
	GroupStatus    = "status-consumers"
	GroupThumbnail = "thumbnail-consumers"
)

// Message field names. Values are flat strings; numeric fields are
// stringified with strconv.
const (
	FieldMediaID = "mediaId"
	FieldUserID  = "userId"
	FieldPrompt  = "prompt"
	FieldSeed    = "seed"
	FieldWidth   = "width"
	FieldHeight  = "height"
	FieldStatus  = "status"
	FieldS3Key   = "s3Key"
	FieldError   = "error"
)

// Status values carried on StreamStatus. StatusQueued announces a retry; the
// store already reflects it, so consumers treat it as observer-only.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ThumbKeyFor returns the blob key thumbnails are stored under.
func ThumbKeyFor(mediaID string) string {
	return "thumbs/" + mediaID + ".png"
}
