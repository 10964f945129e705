package job

// Result is the outcome of a single attempt. The executor may produce
// several of them before settling on a final outcome for its job.
type Result struct {
	Attempt int

	Succeeded bool
	ExitCode  int

	SuccessCount int
	ErrorCount   int

	// DownloadedFile is the artifact path, if one was confirmed.
	DownloadedFile string

	RawOutput string
	Stderr    string
}
