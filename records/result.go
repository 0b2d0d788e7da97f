package records

// ErrorCode is the closed set of expected failure outcomes.
type ErrorCode string

const (
	ErrorMaxSizeReached ErrorCode = "max_size_reached"
	ErrorRecordNotFound ErrorCode = "record_not_found"
	ErrorInstNotFound   ErrorCode = "inst_not_found"
	ErrorServerError    ErrorCode = "server_error"
)

// Result is the outcome of a mutating operation. Expected failures such as
// quota rejections are reported here rather than as Go errors.
type Result struct {
	Success      bool      `json:"success"`
	ErrorCode    ErrorCode `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`

	Branch                  string `json:"branch,omitempty"`
	MaxBranchSizeInBytes    int64  `json:"maxBranchSizeInBytes,omitempty"`
	NeededBranchSizeInBytes int64  `json:"neededBranchSizeInBytes,omitempty"`
	MaxInstSizeInBytes      int64  `json:"maxInstSizeInBytes,omitempty"`
	NeededInstSizeInBytes   int64  `json:"neededInstSizeInBytes,omitempty"`
}

// OK is the successful result
func OK() Result {
	return Result{Success: true}
}

// BranchTooLarge reports a write that would push a branch past its max
func BranchTooLarge(branch string, max, needed int64) Result {
	return Result{
		ErrorCode:               ErrorMaxSizeReached,
		ErrorMessage:            "The maximum number of bytes per branch has been reached.",
		Branch:                  branch,
		MaxBranchSizeInBytes:    max,
		NeededBranchSizeInBytes: needed,
	}
}

// InstTooLarge reports a write that would push an inst past its max
func InstTooLarge(branch string, max, needed int64) Result {
	return Result{
		ErrorCode:             ErrorMaxSizeReached,
		ErrorMessage:          "The maximum number of bytes per inst has been reached.",
		Branch:                branch,
		MaxInstSizeInBytes:    max,
		NeededInstSizeInBytes: needed,
	}
}

// RecordNotFound reports a save into an unknown record
func RecordNotFound(recordName string) Result {
	return Result{
		ErrorCode:    ErrorRecordNotFound,
		ErrorMessage: "The record " + recordName + " was not found.",
	}
}

// InstNotFound reports a branch save into an unknown inst
func InstNotFound(inst string) Result {
	return Result{
		ErrorCode:    ErrorInstNotFound,
		ErrorMessage: "The inst " + inst + " was not found.",
	}
}

// CheckSize applies limits to the sizes a write would produce. A zero result
// means the write fits.
func CheckSize(branch string, limits Limits, neededBranch, neededInst int64) (Result, bool) {
	if limits.MaxBranchSizeInBytes > 0 && neededBranch > limits.MaxBranchSizeInBytes {
		return BranchTooLarge(branch, limits.MaxBranchSizeInBytes, neededBranch), false
	}
	if limits.MaxInstSizeInBytes > 0 && neededInst > limits.MaxInstSizeInBytes {
		return InstTooLarge(branch, limits.MaxInstSizeInBytes, neededInst), false
	}
	return OK(), true
}
