package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON = "application/json"
	ContentTypeSRT  = "application/x-subrip"
	ContentTypeMP4  = "video/mp4"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathJobs    = "/v1/jobs"
	PathVideos  = "/v1/videos"
	PathObjects = "/v1/objects"
)

// Defaults and limits
const (
	DefaultWorkerCount  = 4
	DefaultMaxAttempts  = 3
	SQLiteBusyTimeoutMS = 5000
)

// External tools
const (
	FFmpegExecutable = "ffmpeg"
)

// Subdirectory and file names under the storage dir
const (
	ObjectsDirName  = "objects"
	ScratchDirName  = "scratch"
	DatabaseName    = "mediajobs.db"
	ServeLockName   = "mediajobs.lock"
	PurgeLockName   = "purge.lock"
	SubtitleFile    = "captions.srt"
	SourceMediaFile = "source.media"
)

// Object key prefixes
const (
	ExportsPrefix = "exports"
)
