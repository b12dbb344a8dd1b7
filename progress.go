package darc

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

const (
	// StageCompressing covers the per-file compression pass during Create.
	StageCompressing ProgressStage = iota

	// StageWritingIndex covers index serialization during Create.
	StageWritingIndex

	// StageFinalizing covers checksum computation and patching during Create.
	StageFinalizing

	// StageExtracting covers per-file writes during Extract.
	StageExtracting

	// StageVerifying covers per-entry checksum recomputation during slow
	// validation.
	StageVerifying
)

// ProgressEvent is a progress update delivered to a ProgressFunc.
type ProgressEvent struct {
	Stage      ProgressStage
	Path       string
	BytesDone  uint64
	FilesDone  int
	FilesTotal int
}

// ProgressFunc receives progress updates. Callbacks run on the goroutine
// performing the work and should return quickly.
type ProgressFunc func(ProgressEvent)
