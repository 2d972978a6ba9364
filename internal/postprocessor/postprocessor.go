// Package postprocessor defines the terminal consumer of a Protocol
// Plugin's results.
package postprocessor

import "github.com/simeonmiteff/redistap/internal/plugin"

// PostProcessor consumes one typed result per matched request/response pair.
// The observer delivers results to every registered PostProcessor
// sequentially, in registration order, failing fast on the first error.
type PostProcessor interface {
	PostProcess(result plugin.Result) error
}
