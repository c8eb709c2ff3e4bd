package constant

// Conversation types
const (
	ConvTypeDirect = 1 // One-to-one conversation
	ConvTypeGroup  = 2 // Group conversation
)

// Conversation status
const (
	ConvStatusPending  = "pending"
	ConvStatusAccepted = "accepted"
	ConvStatusBlocked  = "blocked"
)

// Queued message status
const (
	QueueStatusQueued  = "queued"
	QueueStatusSending = "sending"
	QueueStatusFailed  = "failed"
)

// Conversation Id prefixes
const (
	DirectConversationPrefix = "di_"
	GroupConversationPrefix  = "gr_"
)

// Validation limits
const (
	MaxTextLength          = 10000
	MaxAttachments         = 10
	MaxAttachmentBytes     = 10 << 20 // 10 MiB pre-compression
	MaxConversationNameLen = 100
)

// Rate limiting
const (
	RateLimitMaxSends      = 20
	RateLimitWindowSeconds = 60
)

// Compression defaults
const (
	CompressMaxBytes     = 512 << 10 // 512 KiB per attachment after compression
	CompressMaxDimension = 2048
	CompressQualityStart = 85
	CompressQualityFloor = 20
	CompressQualityStep  = 10
)

// Offline queue defaults
const (
	QueueMaxAttempts = 5
)

// Typing signal TTL in seconds
const TypingTTLSeconds = 5

// Preview length used for conversation last-message previews
const PreviewMaxLen = 80
