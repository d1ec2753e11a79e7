package messaging

// Topic constants for the BLOCKGRAVE feed
const (
	TopicFeed      = "blockgrave.feed"      // blockgraved → feedrecorder, every ledger entry in seq order
	TopicSnapshots = "blockgrave.snapshots" // blockgraved → observers, periodic state summaries
)

// Header keys carried on every feed message
const (
	HeaderKind      = "bg-kind"
	HeaderTimestamp = "bg-ts"
	HeaderSession   = "bg-session"
)
