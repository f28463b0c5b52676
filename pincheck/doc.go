// Package pincheck verifies the compiled-in program pins against files
// on disk without launching anything, for use in image build pipelines
// and health checks. It also renders the launcher's decision journal.
package pincheck
