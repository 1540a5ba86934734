// Package pipeline defines the transform chain executed per message:
// an ordered list of functions bound to topic patterns, with per-chain
// metric instruments and a hash identifying the chain's composition.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgewire/appfn/appcontext"
	"github.com/edgewire/appfn/errkind"
)

// DefaultID names the pipeline used when no per-topic pipeline is
// configured. It matches every topic.
const DefaultID = "default-pipeline"

// TopicSeparator splits topic levels in patterns and published topics.
const TopicSeparator = "/"

// Transform is one step of a pipeline. It receives the mutable message
// context and the output of the previous function. Returning false
// stops the pipeline; the second value is then either nil for a silent
// stop or an error describing the failure.
type Transform func(ctx *appcontext.Context, data any) (bool, any)

// FunctionPipeline is an ordered transform chain bound to one or more
// topic patterns.
type FunctionPipeline struct {
	ID         string
	Topics     []string
	Transforms []Transform
	Hash       string

	MessagesProcessed     prometheus.Counter
	MessageProcessingTime prometheus.Observer
	ProcessingErrors      prometheus.Counter
}

// New builds a pipeline from its id, topic patterns and transforms. The
// hash is computed over the transform function names so a recomposed
// chain gets a new identity.
func New(id string, topics []string, transforms ...Transform) (*FunctionPipeline, error) {
	if id == "" {
		return nil, errkind.New(errkind.KindContractInvalid, "pipeline id is required")
	}
	if len(transforms) == 0 {
		return nil, errkind.Newf(errkind.KindContractInvalid, "pipeline %q has no functions", id)
	}
	return &FunctionPipeline{
		ID:         id,
		Topics:     topics,
		Transforms: transforms,
		Hash:       Hash(transforms),
	}, nil
}

// NewDefault builds the default pipeline, which matches all topics.
func NewDefault(transforms ...Transform) (*FunctionPipeline, error) {
	return New(DefaultID, []string{"#"}, transforms...)
}

// Hash returns a hex sha256 over the names of the transform functions,
// in order. Two pipelines with the same functions in the same order
// share a hash.
func Hash(transforms []Transform) string {
	names := make([]string, len(transforms))
	for i, fn := range transforms {
		names[i] = runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	}
	sum := sha256.Sum256([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:])
}
